// Package envelope runs module work under a hard timeout on a bounded pool.
//
// The two timeout layers are independent. The envelope enforces the hard timeout
// from outside: once it passes, the caller gets ErrHardTimeout and moves on. The
// function itself receives a task.Deadline and, in shared-session loops, stops
// starting new units once the soft deadline (hard minus margin) has passed.
//
// Abandoned work keeps its pool slot until it actually returns, so a module that
// ignores cancellation can exhaust the pool but never grows it. Abandoned work
// must only touch state owned by its own session.
package envelope

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/task"
)

// ErrHardTimeout is returned when work overruns its hard timeout.
var ErrHardTimeout = errors.Wrap(errors.ErrTimeout, "hard timeout exceeded")

// Func is the work run inside the envelope.
type Func func(ctx context.Context, deadline task.Deadline) (*task.Result, error)

// Spec describes one execution.
type Spec struct {
	UnitKey      string
	Module       string
	RunType      RunType
	Worker       string
	HardTimeout  time.Duration // zero = runner default
	SafetyMargin time.Duration // zero = runner default
	RetryCount   int
}

// Config sizes the pool and sets default timeouts.
type Config struct {
	PoolSize     int
	HardTimeout  time.Duration
	SafetyMargin time.Duration
}

// Runner executes functions inside the envelope.
type Runner struct {
	tracker *Tracker
	cfg     Config
	slots   chan struct{}
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewRunner creates a runner. tracker may be nil to skip the tracking log.
func NewRunner(tracker *Tracker, cfg Config, log *zap.SugaredLogger) *Runner {
	return NewRunnerWithClock(tracker, cfg, log, time.Now)
}

// NewRunnerWithClock creates a runner whose deadlines use now (for testing).
// Hard timeouts are always enforced on wall-clock time.
func NewRunnerWithClock(tracker *Tracker, cfg Config, log *zap.SugaredLogger, now func() time.Time) *Runner {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if log == nil {
		log = logger.Logger
	}
	return &Runner{
		tracker: tracker,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.PoolSize),
		logger:  log.Named("envelope"),
		now:     now,
	}
}

// InUse returns the number of occupied pool slots, abandoned work included.
func (r *Runner) InUse() int {
	return len(r.slots)
}

// Capacity returns the pool size.
func (r *Runner) Capacity() int {
	return cap(r.slots)
}

type outcome struct {
	res *task.Result
	err error
}

// Run executes fn under spec's hard timeout.
//
// It waits for a pool slot (honouring ctx), records the start, runs fn in its own
// goroutine and returns its result, ErrHardTimeout if the timeout passes first,
// or ctx's error if ctx is cancelled first. A panic in fn is returned as an error.
// Every execution that starts is finished in the tracking log.
func (r *Runner) Run(ctx context.Context, spec Spec, fn Func) (*task.Result, error) {
	hard, margin := r.timeouts(spec)
	log := logger.FromContext(ctx, r.logger).With(
		logger.FieldUnit, spec.UnitKey,
		logger.FieldModule, spec.Module)

	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for execution slot")
	}

	var rec *Record
	if r.tracker != nil {
		var err error
		rec, err = r.tracker.Start(ctx, spec, hard)
		if err != nil {
			<-r.slots
			return nil, err
		}
		log = log.With(logger.FieldTrackingID, rec.TrackingID)
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, hard)
	defer cancel()
	deadline := task.NewDeadline(r.now, hard, margin)

	done := make(chan outcome, 1)
	go func() {
		defer func() { <-r.slots }()
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: errors.WithDetail(
					errors.Newf("panic in %s: %v", spec.Module, p), string(debug.Stack()))}
			}
		}()
		res, err := fn(runCtx, deadline)
		done <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-runCtx.Done():
		o.err = runCtx.Err()
	}
	duration := time.Since(start)

	status := StatusFailed
	switch {
	case o.err == nil:
		status = StatusCompleted
	case ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		status = StatusTimeout
		o.err = errors.WithDetail(ErrHardTimeout, fmt.Sprintf("%s after %s", spec.UnitKey, hard))
		o.res = nil
	}

	if rec != nil {
		// Record even if ctx was cancelled.
		recordCtx := context.WithoutCancel(ctx)
		var terr error
		if status == StatusCompleted {
			terr = r.tracker.Complete(recordCtx, rec.TrackingID, o.res, duration)
		} else {
			terr = r.tracker.Fail(recordCtx, rec.TrackingID, status, o.err, duration)
		}
		if terr != nil {
			log.Warnw("Failed to record execution outcome", logger.FieldError, terr)
		}
	}

	switch status {
	case StatusCompleted:
		log.Debugw("Execution completed", logger.FieldDurationMS, duration.Milliseconds())
	case StatusTimeout:
		log.Warnw("Execution abandoned after hard timeout",
			logger.FieldTimeout, hard.String(),
			"slots_in_use", r.InUse())
	default:
		log.Infow("Execution failed",
			logger.FieldDurationMS, duration.Milliseconds(),
			logger.FieldError, o.err.Error())
	}

	if o.err != nil {
		return o.res, o.err
	}
	if o.res == nil {
		o.res = &task.Result{}
	}
	return o.res, nil
}

func (r *Runner) timeouts(spec Spec) (time.Duration, time.Duration) {
	hard, margin := spec.HardTimeout, spec.SafetyMargin
	if hard <= 0 {
		hard = r.cfg.HardTimeout
	}
	if margin <= 0 {
		margin = r.cfg.SafetyMargin
	}
	if hard <= 0 {
		hard = 5 * time.Minute
	}
	if margin >= hard {
		margin = hard / 10
	}
	return hard, margin
}
