package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/cursor"
	"github.com/teranos/forage/pulse/envelope"
	"github.com/teranos/forage/pulse/quarantine"
	"github.com/teranos/forage/pulse/target"
	"github.com/teranos/forage/pulse/task"
)

// maxRetryShift caps the exponential target retry delay at RetryDelay << 6.
const maxRetryShift = 6

// processTarget runs one claimed target to a release decision. It returns an
// error only for orchestration failures; unit failures become outcomes.
func (wp *WorkerPool) processTarget(ctx context.Context, workerID string, t *target.Target) error {
	ctx = logger.WithTargetID(ctx, t.ID)
	log := logger.FromContext(ctx, wp.logger.SugaredLogger).With(
		logger.FieldGroupKey, t.GroupKey,
		logger.FieldModule, t.Module)
	log.Infow("Claimed target", "seed", t.Seed, logger.FieldAttempt, t.RetryCount)

	mod := wp.deps.Modules.Get(t.Module)
	if mod == nil {
		return wp.release(ctx, log, t, workerID,
			target.Failed(errors.Newf("unknown module %q", t.Module)))
	}

	leaseCtx, cancelLease := context.WithCancel(ctx)
	var lost atomic.Bool
	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go wp.renewLease(leaseCtx, cancelLease, &renewWG, log, t.ID, workerID, &lost)
	defer func() {
		cancelLease()
		renewWG.Wait()
	}()

	cur, err := wp.deps.Cursors.GetOrCreate(leaseCtx, t.GroupKey, t.Seed, workerID)
	if err != nil {
		if errors.IsNotOwned(err) {
			// Another worker still holds the cursor; try again after its lease runs out.
			return wp.release(ctx, log, t, workerID,
				target.Resume(wp.now().Add(wp.deps.Targets.LeaseTimeout()), err))
		}
		if rerr := wp.release(ctx, log, t, workerID, target.Retry(wp.now().Add(wp.cfg.RetryDelay), err)); rerr != nil {
			log.Warnw("Failed to release target after cursor error", logger.FieldError, rerr)
		}
		return errors.Wrapf(err, "failed to open cursor %s", t.GroupKey)
	}

	start := time.Now()
	out, err := wp.runCursor(leaseCtx, workerID, t, mod, cur)

	if lost.Load() || (out != nil && out.Reason == cursor.StopLostClaim) {
		log.Warnw("Claim lost while processing, leaving target to its new owner",
			logger.FieldDurationMS, time.Since(start).Milliseconds())
		return nil
	}

	outcome := wp.decide(ctx, t, mod, out, err)
	fields := []interface{}{
		logger.FieldStatus, outcome.String(),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	}
	if out != nil {
		fields = append(fields,
			logger.FieldReason, string(out.Reason),
			logger.FieldCount, out.Processed,
			"failed", out.Failed,
			"records_created", out.Result.RecordsCreated)
	}
	log.Infow("Target run finished", fields...)

	if rerr := wp.release(ctx, log, t, workerID, outcome); rerr != nil {
		return rerr
	}
	if err != nil && !errors.Is(err, envelope.ErrHardTimeout) && ctx.Err() == nil {
		return err
	}
	return nil
}

// runCursor processes cur with mod. Per-unit modules get one envelope per
// unit; shared-session modules get one envelope around the whole session.
func (wp *WorkerPool) runCursor(ctx context.Context, workerID string, t *target.Target, mod *task.Module, cur *cursor.Cursor) (*cursor.Outcome, error) {
	runner := cursor.NewRunner(wp.deps.Cursors, wp.logger.SugaredLogger)
	runner.OnAdvance = func(ctx context.Context, c *cursor.Cursor) error {
		return wp.deps.Targets.UpdateProgress(ctx, t.ID, workerID,
			c.UnitsProcessed, c.UnitsProcessed+len(c.Pending))
	}
	gate := wp.gate()

	if !mod.Shared() {
		deadline := task.Unbounded()
		if wp.cfg.TargetBudget > 0 {
			deadline = task.NewDeadline(wp.now, wp.cfg.TargetBudget, 0)
		}
		step := func(ctx context.Context, u task.Unit) (*task.Result, error) {
			return wp.observeUnit(ctx, mod.Name, u, func(ctx context.Context) (*task.Result, error) {
				return wp.deps.Envelope.Run(ctx, envelope.Spec{
					UnitKey:      u.Key,
					Module:       mod.Name,
					RunType:      envelope.RunUnit,
					Worker:       workerID,
					HardTimeout:  mod.HardTimeout,
					SafetyMargin: mod.SafetyMargin,
					RetryCount:   t.RetryCount,
				}, func(ctx context.Context, d task.Deadline) (*task.Result, error) {
					return mod.Run(ctx, u, d)
				})
			})
		}
		return runner.Process(ctx, cur, mod.Name, step, deadline, gate)
	}

	type sessionOut struct {
		out *cursor.Outcome
		err error
	}
	// Buffered so an abandoned session never blocks on send.
	results := make(chan sessionOut, 1)

	_, err := wp.deps.Envelope.Run(ctx, envelope.Spec{
		UnitKey:      t.GroupKey,
		Module:       mod.Name,
		RunType:      envelope.RunSession,
		Worker:       workerID,
		HardTimeout:  mod.HardTimeout,
		SafetyMargin: mod.SafetyMargin,
		RetryCount:   t.RetryCount,
	}, func(ctx context.Context, d task.Deadline) (*task.Result, error) {
		sess, err := mod.OpenSession(ctx, t.Seed)
		if err != nil {
			results <- sessionOut{err: err}
			return nil, errors.Wrapf(err, "failed to open %s session", mod.Name)
		}
		defer func() {
			if cerr := sess.Close(); cerr != nil {
				wp.logger.Debugw("Session close failed", logger.FieldModule, mod.Name, logger.FieldError, cerr)
			}
		}()
		step := func(ctx context.Context, u task.Unit) (*task.Result, error) {
			return wp.observeUnit(ctx, mod.Name, u, func(ctx context.Context) (*task.Result, error) {
				return sess.Run(ctx, u, d)
			})
		}
		o, err := runner.Process(ctx, cur, mod.Name, step, d, gate)
		results <- sessionOut{out: o, err: err}
		if o == nil {
			return nil, err
		}
		if o.Reason == cursor.StopDeadline {
			wp.deps.Metrics.Timeout(mod.Name, false)
		}
		res := o.Result
		return &res, err
	})

	if errors.Is(err, envelope.ErrHardTimeout) {
		// The session goroutine may still be running; it owns cur from here on.
		wp.deps.Metrics.Timeout(mod.Name, true)
		return nil, err
	}
	select {
	case so := <-results:
		if so.out == nil {
			// Session never opened.
			return nil, err
		}
		return so.out, so.err
	default:
		// fn never ran (slot wait or tracking failed).
		return nil, err
	}
}

// observeUnit runs fn for u and feeds the outcome to the heartbeat, metrics,
// quarantine and staging.
func (wp *WorkerPool) observeUnit(ctx context.Context, module string, u task.Unit, fn func(context.Context) (*task.Result, error)) (*task.Result, error) {
	hb := wp.deps.Heartbeat
	if hb != nil {
		hb.SetCurrentUnit(u.Key)
	}

	start := time.Now()
	res, err := fn(ctx)
	d := time.Since(start)

	wp.deps.Metrics.Unit(module, d, err)
	if errors.Is(err, envelope.ErrHardTimeout) {
		wp.deps.Metrics.Timeout(module, true)
	}
	if hb != nil {
		hb.RecordJob(d, err)
		if err == nil {
			hb.RecordUnits(1)
		}
	}
	if ctx.Err() == nil {
		wp.recordResource(ctx, u, err)
	}

	if err == nil && res != nil && len(res.Candidates) > 0 && wp.deps.Staging != nil {
		n, serr := wp.deps.Staging.EnqueueAll(ctx, res.Candidates)
		if serr != nil {
			return res, errors.Wrapf(serr, "failed to stage candidates from %s", u.Key)
		}
		logger.FromContext(ctx, wp.logger.SugaredLogger).Debugw("Staged candidates",
			logger.FieldUnit, u.Key, logger.FieldCount, n)
	}
	return res, err
}

// recordResource feeds a unit outcome into the quarantine breaker.
func (wp *WorkerPool) recordResource(ctx context.Context, u task.Unit, err error) {
	b := wp.deps.Breaker
	if b == nil {
		return
	}
	resource := quarantine.ResourceFor(u.Key, u.Cursor)
	log := logger.FromContext(ctx, wp.logger.SugaredLogger)

	if err == nil {
		if rerr := b.RecordSuccess(ctx, resource); rerr != nil {
			log.Warnw("Failed to record success", logger.FieldResource, resource, logger.FieldError, rerr)
		}
		return
	}
	code, ok := quarantine.ClassifyError(err)
	if !ok {
		return
	}
	tripped, rerr := b.RecordErrorEvent(ctx, resource, code)
	if rerr != nil {
		log.Warnw("Failed to record error event", logger.FieldResource, resource, logger.FieldError, rerr)
		return
	}
	if tripped {
		wp.deps.Metrics.QuarantineTrip(string(code))
	}
}

func (wp *WorkerPool) gate() cursor.Gate {
	b := wp.deps.Breaker
	if b == nil {
		return nil
	}
	return func(ctx context.Context, u task.Unit) error {
		return b.Gate(ctx, quarantine.ResourceFor(u.Key, u.Cursor))
	}
}

// decide maps a cursor run to a release outcome.
func (wp *WorkerPool) decide(ctx context.Context, t *target.Target, mod *task.Module, out *cursor.Outcome, err error) target.Outcome {
	now := wp.now()
	if err != nil {
		if ctx.Err() != nil {
			return target.Resume(now, errors.New("worker stopped"))
		}
		return wp.retryOrFail(t, err)
	}
	if out == nil {
		return wp.retryOrFail(t, errors.New("no outcome"))
	}

	switch out.Reason {
	case cursor.StopExhausted, cursor.StopTerminal:
		return target.Done()
	case cursor.StopFailed:
		return target.Failed(out.LastErr)
	case cursor.StopDeadline:
		// Checkpointed progress; eligible again right away.
		if !mod.Shared() {
			wp.deps.Metrics.Timeout(mod.Name, false)
		}
		return target.Resume(now, nil)
	case cursor.StopBackoff:
		// The cursor bounds unit attempts, so this is not a target retry.
		shift := min(max(out.Attempts-1, 0), maxRetryShift)
		return target.Resume(now.Add(wp.cfg.RetryDelay<<shift), out.LastErr)
	case cursor.StopGated:
		return target.Resume(now.Add(wp.cfg.GateDeferral), out.LastErr)
	case cursor.StopCancelled:
		return target.Resume(now, errors.New("worker stopped"))
	default:
		return wp.retryOrFail(t, out.LastErr)
	}
}

// retryOrFail schedules another attempt with exponential delay, or fails the
// target once it has used up MaxTargetRetries or the error cannot be retried.
func (wp *WorkerPool) retryOrFail(t *target.Target, err error) target.Outcome {
	if task.IsNoRetry(err) || t.RetryCount+1 >= wp.cfg.MaxTargetRetries {
		return target.Failed(err)
	}
	shift := min(t.RetryCount, maxRetryShift)
	return target.Retry(wp.now().Add(wp.cfg.RetryDelay<<shift), err)
}

// release ends the claim. It runs even while the pool is stopping so that
// targets go back to PLANNED instead of waiting out the lease.
func (wp *WorkerPool) release(ctx context.Context, log *zap.SugaredLogger, t *target.Target, workerID string, o target.Outcome) error {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := wp.deps.Targets.Release(relCtx, t.ID, workerID, o)
	if errors.IsNotOwned(err) {
		log.Warnw("Claim lost before release", logger.FieldStatus, o.String())
		return nil
	}
	if err != nil {
		return err
	}
	wp.deps.Metrics.Release(o.String())
	return nil
}

// renewLease keeps the claim alive until ctx ends. If the claim is lost it
// flags it and cancels the target's context.
func (wp *WorkerPool) renewLease(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, log *zap.SugaredLogger, id int64, workerID string, lost *atomic.Bool) {
	defer wg.Done()
	ticker := time.NewTicker(wp.cfg.LeaseRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := wp.deps.Targets.RenewHeartbeat(ctx, id, workerID)
			switch {
			case errors.IsNotOwned(err):
				lost.Store(true)
				log.Warnw("Lease lost, cancelling target")
				cancel()
				return
			case err != nil && ctx.Err() == nil:
				log.Warnw("Failed to renew lease", logger.FieldError, err)
			}
		}
	}
}
