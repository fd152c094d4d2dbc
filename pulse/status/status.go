// Package status gathers a point-in-time view of the orchestrator for the
// status command and the admin server.
//
// The view reports counts and a coarse health judgement only; raw errors stay
// in the logs and the tracking tables.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/envelope"
	"github.com/teranos/forage/pulse/heartbeat"
	"github.com/teranos/forage/pulse/quarantine"
	"github.com/teranos/forage/pulse/schedule"
	"github.com/teranos/forage/pulse/staging"
	"github.com/teranos/forage/pulse/target"
)

// Health is the coarse judgement shown to operators.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

func (h Health) worse(other Health) Health {
	rank := map[Health]int{HealthHealthy: 0, HealthDegraded: 1, HealthUnhealthy: 2}
	if rank[other] > rank[h] {
		return other
	}
	return h
}

// Thresholds tune the health judgement.
type Thresholds struct {
	DegradedFailureRate  float64 `mapstructure:"degraded_failure_rate" json:"degraded_failure_rate"`
	UnhealthyFailureRate float64 `mapstructure:"unhealthy_failure_rate" json:"unhealthy_failure_rate"`
	MinSample            int     `mapstructure:"min_sample" json:"min_sample"` // jobs before a failure rate counts
}

// DefaultThresholds returns 20% degraded, 50% unhealthy over at least 10 jobs.
func DefaultThresholds() Thresholds {
	return Thresholds{DegradedFailureRate: 0.2, UnhealthyFailureRate: 0.5, MinSample: 10}
}

// Snapshot is the collected view.
type Snapshot struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Health      Health                  `json:"health"`
	Reasons     []string                `json:"reasons,omitempty"`
	Targets     map[target.Status]int   `json:"targets"`
	Staging     staging.Counts          `json:"staging"`
	Canonical   int                     `json:"canonical"`
	Workers     []*heartbeat.Worker     `json:"workers"`
	Quarantines []*quarantine.Entry     `json:"quarantines"`
	Executions  map[envelope.Status]int `json:"executions"` // last 24h
	Maintenance []schedule.TaskStatus   `json:"maintenance,omitempty"`
}

// Collector reads every store the snapshot needs. Targets and Workers are
// required; the rest are skipped when nil.
type Collector struct {
	Targets    *target.Store
	Workers    *heartbeat.Store
	Staging    *staging.Store
	Breaker    *quarantine.Breaker
	Tracker    *envelope.Tracker
	Scheduler  *schedule.Scheduler
	Thresholds Thresholds

	now func() time.Time
}

// NewCollector creates a collector with default thresholds.
func NewCollector(targets *target.Store, workers *heartbeat.Store) *Collector {
	return &Collector{Targets: targets, Workers: workers, Thresholds: DefaultThresholds(), now: time.Now}
}

// WithClock sets the clock used for the snapshot time and execution window.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

func (c *Collector) clock() time.Time {
	if c.now == nil {
		return time.Now().UTC()
	}
	return c.now().UTC()
}

// Collect builds a snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	if c.Targets == nil || c.Workers == nil {
		return nil, errors.NewInvalidRequestError("status needs the target and heartbeat stores")
	}
	now := c.clock()
	snap := &Snapshot{GeneratedAt: now}

	var err error
	if snap.Targets, err = c.Targets.CountByStatus(ctx); err != nil {
		return nil, err
	}
	if snap.Workers, err = c.Workers.List(ctx, ""); err != nil {
		return nil, err
	}
	if c.Staging != nil {
		if snap.Staging, err = c.Staging.Counts(ctx); err != nil {
			return nil, err
		}
		if snap.Canonical, err = c.Staging.CountCanonical(ctx); err != nil {
			return nil, err
		}
	}
	if c.Breaker != nil {
		if snap.Quarantines, err = c.Breaker.Active(ctx); err != nil {
			return nil, err
		}
	}
	if c.Tracker != nil {
		if snap.Executions, err = c.Tracker.CountByStatus(ctx, now.Add(-24*time.Hour)); err != nil {
			return nil, err
		}
	}
	if c.Scheduler != nil {
		snap.Maintenance = c.Scheduler.Status()
	}

	snap.Health, snap.Reasons = Judge(snap.Workers, c.Thresholds)
	return snap, nil
}

// Judge derives health from worker heartbeats:
//   - unhealthy when every live worker is stale, or a worker's failure rate
//     reaches UnhealthyFailureRate
//   - degraded when some workers are stale or failed, or a failure rate
//     reaches DegradedFailureRate
//
// Stopped workers are ignored, as are stale or failed workers already replaced
// by a newer running worker of the same type. No workers at all is healthy.
func Judge(workers []*heartbeat.Worker, th Thresholds) (Health, []string) {
	health := HealthHealthy
	var reasons []string

	live, stale := 0, 0
	for _, w := range workers {
		if w.Status == heartbeat.StatusStopped || heartbeat.Superseded(w, workers) {
			continue
		}
		switch w.Status {
		case heartbeat.StatusStale:
			live++
			stale++
			reasons = append(reasons, fmt.Sprintf("worker %s heartbeat stale", w.Name))
			continue
		case heartbeat.StatusFailed:
			health = health.worse(HealthDegraded)
			reasons = append(reasons, fmt.Sprintf("worker %s exited with failure", w.Name))
			continue
		}
		live++

		sample := w.JobsCompleted + w.JobsFailed
		if sample < th.MinSample {
			continue
		}
		rate := w.FailureRate()
		switch {
		case th.UnhealthyFailureRate > 0 && rate >= th.UnhealthyFailureRate:
			health = health.worse(HealthUnhealthy)
			reasons = append(reasons, fmt.Sprintf("worker %s failure rate %.0f%%", w.Name, rate*100))
		case th.DegradedFailureRate > 0 && rate >= th.DegradedFailureRate:
			health = health.worse(HealthDegraded)
			reasons = append(reasons, fmt.Sprintf("worker %s failure rate %.0f%%", w.Name, rate*100))
		}
	}

	switch {
	case stale > 0 && stale == live:
		health = health.worse(HealthUnhealthy)
	case stale > 0:
		health = health.worse(HealthDegraded)
	}
	return health, reasons
}
