// Package async runs the worker pool that claims targets and drives their
// cursors through module code.
//
// One worker goroutine owns at most one claimed target at a time. While it
// works, a lease goroutine renews the claim; if the claim is lost the target's
// context is cancelled and the worker walks away without releasing.
package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/cursor"
	"github.com/teranos/forage/pulse/envelope"
	"github.com/teranos/forage/pulse/heartbeat"
	"github.com/teranos/forage/pulse/metrics"
	"github.com/teranos/forage/pulse/quarantine"
	"github.com/teranos/forage/pulse/schedule"
	"github.com/teranos/forage/pulse/staging"
	"github.com/teranos/forage/pulse/target"
	"github.com/teranos/forage/pulse/task"
)

// Maintenance task names registered on the scheduler.
const (
	TaskOrphanSweep = "orphan_sweep"
	TaskStuckSweep  = "stuck_sweep"
	TaskPromote     = "staging_promote"
	TaskRetireDead  = "retire_heartbeats"
)

// pulseLogger wraps zap.SugaredLogger with lifecycle helpers:
// Starting (✿, DEBUG) for opening work, Closing (❀, WARN) for shutdown and
// Pulse (INFO) for everything in between.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// Deps are the stores and services a pool works with. Targets, Cursors,
// Envelope and Modules are required; everything else is optional.
type Deps struct {
	Targets  *target.Store
	Cursors  *cursor.Store
	Envelope *envelope.Runner
	Modules  *task.Registry

	Tracker   *envelope.Tracker
	Staging   *staging.Store
	Pipeline  *staging.Pipeline
	Breaker   *quarantine.Breaker
	Heartbeat *heartbeat.Manager
	Scheduler *schedule.Scheduler
	Metrics   *metrics.Metrics
}

func (d Deps) validate() error {
	switch {
	case d.Targets == nil:
		return errors.NewInvalidRequestError("target store is required")
	case d.Cursors == nil:
		return errors.NewInvalidRequestError("cursor store is required")
	case d.Envelope == nil:
		return errors.NewInvalidRequestError("envelope runner is required")
	case d.Modules == nil:
		return errors.NewInvalidRequestError("module registry is required")
	}
	return nil
}

// WorkerPoolConfig contains configuration for the worker pool.
type WorkerPoolConfig struct {
	Name         string        `json:"name"`          // pool identity; worker ids are Name/<n>
	Workers      int           `json:"workers"`       // concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // idle wait between empty claims
	ClaimRate    float64       `json:"claim_rate"`    // claims per second per worker, 0 = unpaced

	LeaseRenewInterval time.Duration `json:"lease_renew_interval"`
	RetryDelay         time.Duration `json:"retry_delay"`        // base delay after a failed attempt, doubled per retry
	MaxTargetRetries   int           `json:"max_target_retries"` // attempts before a target fails for good
	GateDeferral       time.Duration `json:"gate_deferral"`      // how long a quarantined target waits
	TargetBudget       time.Duration `json:"target_budget"`      // soft budget per claim for per-unit modules, 0 = none

	Filter target.Filter `json:"-"`
	Limit  int           `json:"limit"` // stop after this many claims, 0 = unlimited
	Test   bool          `json:"test"`  // each worker claims at most once, then exits

	OrphanSweep  string `json:"orphan_sweep"`  // cron spec, empty = off
	StuckSweep   string `json:"stuck_sweep"`   // cron spec, empty = off
	PromoteSweep string `json:"promote_sweep"` // cron spec, empty = off
	PromoteBatch int    `json:"promote_batch"`

	// HeartbeatRetention fails worker rows silent for longer than this, run
	// on the OrphanSweep schedule. 0 = off.
	HeartbeatRetention time.Duration `json:"heartbeat_retention"`

	StopTimeout time.Duration `json:"stop_timeout"`
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Name:               "worker",
		Workers:            1,
		PollInterval:       5 * time.Second,
		LeaseRenewInterval: 30 * time.Second,
		RetryDelay:         5 * time.Minute,
		MaxTargetRetries:   5,
		GateDeferral:       5 * time.Minute,
		OrphanSweep:        "@every 1m",
		StuckSweep:         "@every 5m",
		PromoteSweep:       "@every 2m",
		PromoteBatch:       100,
		HeartbeatRetention: 15 * time.Minute,
		StopTimeout:        30 * time.Second,
	}
}

func (c WorkerPoolConfig) withDefaults() WorkerPoolConfig {
	d := DefaultWorkerPoolConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseRenewInterval <= 0 {
		c.LeaseRenewInterval = d.LeaseRenewInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxTargetRetries < 1 {
		c.MaxTargetRetries = d.MaxTargetRetries
	}
	if c.GateDeferral <= 0 {
		c.GateDeferral = d.GateDeferral
	}
	if c.PromoteBatch < 1 {
		c.PromoteBatch = d.PromoteBatch
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// errLimitReached stops a worker once the pool's claim limit is used up.
var errLimitReached = errors.New("claim limit reached")

// WorkerPool manages a pool of workers that process claimed targets.
type WorkerPool struct {
	deps   Deps
	cfg    WorkerPoolConfig
	logger pulseLogger
	now    func() time.Time

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}

	mu               sync.Mutex
	started          bool
	maintenanceAdded bool
	claimed          int // claims reserved toward Limit
	processed        int
	activeWorkers    int
	startTime        time.Time
}

// NewWorkerPool creates a pool. ctx is the parent of every worker context:
// cancelling it stops the pool the same way Stop does.
func NewWorkerPool(ctx context.Context, deps Deps, cfg WorkerPoolConfig, log *zap.SugaredLogger) (*WorkerPool, error) {
	return NewWorkerPoolWithClock(ctx, deps, cfg, log, time.Now)
}

// NewWorkerPoolWithClock creates a pool whose retry times use now (for testing).
func NewWorkerPoolWithClock(ctx context.Context, deps Deps, cfg WorkerPoolConfig, log *zap.SugaredLogger, now func() time.Time) (*WorkerPool, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Logger
	}
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	close(done)
	return &WorkerPool{
		deps:      deps,
		cfg:       cfg.withDefaults(),
		logger:    pulseLogger{log.Named("pulse")},
		now:       now,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		done:      done,
	}, nil
}

// Name returns the pool identity.
func (wp *WorkerPool) Name() string {
	return wp.cfg.Name
}

// Workers returns the configured worker count.
func (wp *WorkerPool) Workers() int {
	return wp.cfg.Workers
}

// Config returns the effective configuration.
func (wp *WorkerPool) Config() WorkerPoolConfig {
	return wp.cfg
}

// WorkerID returns the claim owner id of worker n.
func (wp *WorkerPool) WorkerID(n int) string {
	return fmt.Sprintf("%s/%d", wp.cfg.Name, n)
}

// Start recovers orphaned claims, registers maintenance and spawns the workers.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	if wp.started {
		wp.mu.Unlock()
		return errors.Wrapf(errors.ErrConflict, "worker pool %s already started", wp.cfg.Name)
	}
	// A cancelled context means a previous Stop; derive a fresh one.
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.started = true
	wp.startTime = time.Now()
	wp.claimed = 0
	wp.processed = 0
	wp.done = make(chan struct{})
	ctx := wp.ctx
	wp.mu.Unlock()

	if hb := wp.deps.Heartbeat; hb != nil {
		if err := hb.Start(ctx); err != nil {
			wp.mu.Lock()
			wp.started = false
			close(wp.done)
			wp.mu.Unlock()
			return errors.Wrap(err, "failed to register worker heartbeat")
		}
	}

	if err := wp.recoverOrphans(ctx); err != nil {
		// Keep starting: the scheduled sweep retries.
		wp.logger.Warnw("Failed to recover orphaned targets", logger.FieldError, err)
	}

	if err := wp.startMaintenance(ctx); err != nil {
		wp.logger.Warnw("Failed to register maintenance", logger.FieldError, err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.cfg.Workers)
	}

	wp.logger.Starting("Worker pool started",
		logger.FieldWorker, wp.cfg.Name,
		"workers", wp.cfg.Workers,
		"limit", wp.cfg.Limit,
		"test", wp.cfg.Test)

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
	go func(done chan struct{}) {
		wp.wg.Wait()
		close(done)
	}(wp.done)
	return nil
}

// Done is closed once every worker has exited, either after Stop or because
// the claim limit or test mode ran out.
func (wp *WorkerPool) Done() <-chan struct{} {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.done
}

// Stop cancels the workers and waits up to StopTimeout for them to release
// their claims, then stops maintenance and marks the heartbeat final.
// cause, when non-nil, marks the worker failed. Stop is idempotent.
func (wp *WorkerPool) Stop(cause error) {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	done := wp.done
	wp.mu.Unlock()

	wp.cancel()

	select {
	case <-done:
		wp.logger.Pulse("❀ Worker pool stopped, all workers exited cleanly", logger.FieldWorker, wp.cfg.Name)
	case <-time.After(wp.cfg.StopTimeout):
		// Stragglers finish in the background; orphan recovery covers them if
		// the process exits first.
		wp.logger.Closing("Worker pool stop timed out, workers may still be releasing", logger.FieldTimeout, wp.cfg.StopTimeout.String())
	}

	if s := wp.deps.Scheduler; s != nil {
		s.Stop()
	}
	if hb := wp.deps.Heartbeat; hb != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(wp.parentCtx), 10*time.Second)
		defer cancel()
		if err := hb.Stop(stopCtx, cause); err != nil {
			wp.logger.Warnw("Failed to mark worker heartbeat final", logger.FieldError, err)
		}
	}
}

// Stats reports live pool counters.
type Stats struct {
	Name          string        `json:"name"`
	Workers       int           `json:"workers"`
	ActiveWorkers int           `json:"active_workers"`
	Claimed       int           `json:"claimed"`
	Processed     int           `json:"processed"`
	Uptime        time.Duration `json:"uptime"`
	Running       bool          `json:"running"`
}

// Stats returns a snapshot of the pool counters.
func (wp *WorkerPool) Stats() Stats {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	st := Stats{
		Name:          wp.cfg.Name,
		Workers:       wp.cfg.Workers,
		ActiveWorkers: wp.activeWorkers,
		Claimed:       wp.claimed,
		Processed:     wp.processed,
		Running:       wp.started,
	}
	if !wp.startTime.IsZero() {
		st.Uptime = time.Since(wp.startTime)
	}
	return st
}

// recoverOrphans releases this pool's own claims left by a previous run
// immediately, then anything else whose lease expired.
func (wp *WorkerPool) recoverOrphans(ctx context.Context) error {
	own, err := wp.deps.Targets.RecoverOrphans(ctx, 0, target.Scope{OwnerPrefix: wp.cfg.Name + "/"})
	if err != nil {
		return err
	}
	stale, err := wp.deps.Targets.RecoverOrphans(ctx, wp.deps.Targets.LeaseTimeout(), target.Scope{})
	if err != nil {
		return err
	}
	wp.deps.Metrics.Orphans(own + stale)
	if own+stale > 0 {
		wp.logger.Starting("Recovered orphaned targets",
			"own", own,
			"stale", stale)
	}
	return nil
}

func (wp *WorkerPool) startMaintenance(ctx context.Context) error {
	s := wp.deps.Scheduler
	if s == nil {
		return nil
	}
	wp.mu.Lock()
	added := wp.maintenanceAdded
	wp.maintenanceAdded = true
	wp.mu.Unlock()

	if !added {
		if wp.cfg.OrphanSweep != "" {
			if err := s.Add(TaskOrphanSweep, wp.cfg.OrphanSweep, wp.sweepOrphans); err != nil {
				return err
			}
		}
		if wp.cfg.OrphanSweep != "" && wp.cfg.HeartbeatRetention > 0 && wp.deps.Heartbeat != nil {
			if err := s.Add(TaskRetireDead, wp.cfg.OrphanSweep, wp.retireDead); err != nil {
				return err
			}
		}
		if wp.cfg.StuckSweep != "" && wp.deps.Tracker != nil {
			if err := s.Add(TaskStuckSweep, wp.cfg.StuckSweep, wp.sweepStuck); err != nil {
				return err
			}
		}
		if wp.cfg.PromoteSweep != "" && wp.deps.Pipeline != nil {
			if err := s.Add(TaskPromote, wp.cfg.PromoteSweep, wp.promote); err != nil {
				return err
			}
		}
	}
	s.Start(ctx)
	return nil
}

func (wp *WorkerPool) sweepOrphans(ctx context.Context) error {
	n, err := wp.deps.Targets.RecoverOrphans(ctx, wp.deps.Targets.LeaseTimeout(), target.Scope{})
	if err != nil {
		return err
	}
	wp.deps.Metrics.Orphans(n)
	if n > 0 {
		wp.logger.Infow("Recovered orphaned targets", logger.FieldRecovered, n)
	}
	return nil
}

func (wp *WorkerPool) retireDead(ctx context.Context) error {
	n, err := wp.deps.Heartbeat.RetireDead(ctx, wp.cfg.HeartbeatRetention)
	if err != nil {
		return err
	}
	if n > 0 {
		wp.logger.Infow("Retired dead worker heartbeats", logger.FieldRecovered, n)
	}
	return nil
}

func (wp *WorkerPool) sweepStuck(ctx context.Context) error {
	n, err := wp.deps.Tracker.SweepStuck(ctx)
	if err != nil {
		return err
	}
	wp.deps.Metrics.Stuck(n)
	return nil
}

func (wp *WorkerPool) promote(ctx context.Context) error {
	sum, err := wp.deps.Pipeline.RunOnce(ctx, wp.cfg.PromoteBatch)
	if sum != nil {
		RecordStaging(wp.deps.Metrics, sum)
	}
	return err
}

// RecordStaging adds a pipeline summary to the staging decision counters.
func RecordStaging(m *metrics.Metrics, sum *staging.Summary) {
	m.StagingDecision("promoted", sum.Promoted)
	m.StagingDecision("retried", sum.Retried)
	m.StagingDecision("terminal", sum.Terminal)
	m.StagingDecision("deferred", sum.Deferred)
}

// worker claims and processes targets until the pool stops or runs out of
// claims. Consecutive errors back off exponentially.
func (wp *WorkerPool) worker(ctx context.Context, n int) {
	defer wp.wg.Done()

	workerID := wp.WorkerID(n)
	ctx = logger.WithWorker(ctx, workerID)

	var limiter *rate.Limiter
	if wp.cfg.ClaimRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(wp.cfg.ClaimRate), 1)
	}

	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		worked, err := wp.processNext(ctx, workerID)
		switch {
		case errors.Is(err, errLimitReached):
			wp.logger.Pulse("Claim limit reached, worker exiting", logger.FieldWorker, workerID)
			return
		case err != nil:
			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
				return
			}
			errorCount++
			wp.logger.Errorw("Worker error processing target",
				logger.FieldWorker, workerID,
				logger.FieldError, err,
				"consecutive_errors", errorCount)
			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					logger.FieldWorker, workerID,
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		default:
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorker, workerID,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
		}

		if wp.cfg.Test {
			return
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processNext claims one target and processes it. Reports whether a target
// was claimed.
func (wp *WorkerPool) processNext(ctx context.Context, workerID string) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	if !wp.reserve() {
		return false, errLimitReached
	}

	t, err := wp.deps.Targets.ClaimNext(ctx, workerID, wp.cfg.Filter)
	if err != nil {
		wp.unreserve()
		return false, errors.Wrap(err, "failed to claim target")
	}
	wp.deps.Metrics.Claim(t != nil)
	if t == nil {
		wp.unreserve()
		return false, nil
	}

	wp.busy(true)
	defer wp.busy(false)
	return true, wp.processTarget(ctx, workerID, t)
}

func (wp *WorkerPool) reserve() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.cfg.Limit > 0 && wp.claimed >= wp.cfg.Limit {
		return false
	}
	wp.claimed++
	return true
}

func (wp *WorkerPool) unreserve() {
	wp.mu.Lock()
	wp.claimed--
	wp.mu.Unlock()
}

func (wp *WorkerPool) busy(on bool) {
	wp.mu.Lock()
	if on {
		wp.activeWorkers++
	} else {
		wp.activeWorkers--
		wp.processed++
	}
	wp.mu.Unlock()
	wp.deps.Metrics.WorkerBusy(on)
}
