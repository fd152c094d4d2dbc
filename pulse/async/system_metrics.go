package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/target"
)

// SystemMetrics tracks resource usage for worker pool monitoring.
type SystemMetrics struct {
	WorkersActive   int     `json:"workers_active"`
	WorkersTotal    int     `json:"workers_total"`
	MemoryUsedGB    float64 `json:"memory_used_gb"`
	MemoryTotalGB   float64 `json:"memory_total_gb"`
	MemoryPercent   float64 `json:"memory_percent"`
	TargetsPlanned  int     `json:"targets_planned"`
	TargetsInFlight int     `json:"targets_in_flight"`
}

// memoryStats is swapped in tests.
var memoryStats = func(ctx context.Context) (total, available uint64, err error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available memory.
// Shared-session modules keep a browser per worker, roughly 1GB each.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 1.0
	const memoryBuffer = 2.0

	if availableGB < memoryBuffer {
		return 1
	}
	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 32 {
		return 32
	}
	return recommended
}

// GetSystemMetrics returns current resource usage and target counts.
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	m := SystemMetrics{WorkersTotal: wp.cfg.Workers}

	if total, available, err := memoryStats(ctx); err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}

	// Database errors leave the counts at zero.
	if counts, err := wp.deps.Targets.CountByStatus(ctx); err == nil {
		m.TargetsPlanned = counts[target.StatusPlanned]
		m.TargetsInFlight = counts[target.StatusInProgress]
	}

	wp.mu.Lock()
	m.WorkersActive = wp.activeWorkers
	wp.mu.Unlock()
	return m
}

// checkMemoryPressure returns a warning if the worker count looks too high for
// the available memory, or "" if it is fine or memory cannot be read.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := memoryStats(context.Background())
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.cfg.Workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			wp.cfg.Workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
