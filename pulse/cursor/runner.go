package cursor

import (
	"context"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/task"
	"go.uber.org/zap"
)

// Step processes one unit.
type Step func(ctx context.Context, unit task.Unit) (*task.Result, error)

// Gate is consulted before each unit. Returning an error (usually wrapping
// ErrGated) stops the loop without touching the cursor.
type Gate func(ctx context.Context, unit task.Unit) error

// ErrGated means a unit may not run right now, e.g. its resource is quarantined.
var ErrGated = errors.New("unit gated")

// StopReason says why Process returned.
type StopReason string

const (
	StopExhausted StopReason = "exhausted"  // queue drained, cursor complete
	StopDeadline  StopReason = "deadline"   // soft deadline reached, partial
	StopGated     StopReason = "gated"      // gate refused the next unit
	StopBackoff   StopReason = "backoff"    // a unit that failed this run is due again
	StopFailed    StopReason = "failed"     // error threshold reached
	StopCancelled StopReason = "cancelled"  // context done
	StopLostClaim StopReason = "lost_claim" // another worker owns the cursor
	StopTerminal  StopReason = "terminal"   // cursor was already complete or failed
)

// Outcome summarizes one Process call.
type Outcome struct {
	Processed int
	Failed    int
	Skipped   int
	Result    task.Result
	Reason    StopReason
	LastErr   error
	Attempts  int // with StopBackoff, failed attempts of the unit that is due
}

// Partial reports whether work remains on the cursor.
func (o *Outcome) Partial() bool {
	switch o.Reason {
	case StopExhausted, StopFailed, StopTerminal:
		return false
	default:
		return true
	}
}

// Runner drives a cursor through its pending queue.
type Runner struct {
	store  *Store
	logger *zap.SugaredLogger

	// OnAdvance runs after every persisted unit. Returning an error stops the loop;
	// ErrNotOwned is reported as StopLostClaim.
	OnAdvance func(ctx context.Context, cur *Cursor) error
}

// NewRunner creates a runner over store.
func NewRunner(store *Store, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = logger.Logger
	}
	return &Runner{store: store, logger: log.Named("cursor")}
}

// Process runs units from cur's queue until it drains, the soft deadline passes,
// the gate refuses, the error threshold is hit or ctx is cancelled.
//
// The deadline is checked between units only; a unit that has started is never
// interrupted here. A unit whose step fails is counted as an error and requeued
// at the tail while it has attempts left, unless the error is task.NoRetry.
// When a requeued unit comes round again in the same run the loop stops with
// StopBackoff so the caller can retry later. A unit interrupted by ctx
// cancellation stays at the head of the queue.
func (r *Runner) Process(ctx context.Context, cur *Cursor, module string, step Step, deadline task.Deadline, gate Gate) (*Outcome, error) {
	out := &Outcome{}
	log := logger.FromContext(ctx, r.logger).With(logger.FieldCursorKey, cur.Key)
	requeued := map[string]bool{}

	for {
		if err := ctx.Err(); err != nil {
			out.Reason = StopCancelled
			return out, nil
		}
		if cur.Phase.Terminal() {
			if cur.Phase == PhaseFailed {
				out.Reason = StopFailed
			} else if out.Processed+out.Failed+out.Skipped == 0 {
				out.Reason = StopTerminal
			} else {
				out.Reason = StopExhausted
			}
			return out, nil
		}

		unit, ok := cur.Next()
		if !ok {
			if err := r.store.SetPhase(ctx, cur, PhaseComplete); err != nil {
				return r.stop(out, err)
			}
			out.Reason = StopExhausted
			return out, nil
		}

		if requeued[unit] {
			out.Reason = StopBackoff
			out.Attempts = cur.Attempts[unit]
			out.Result.Partial = true
			log.Infow("Failed unit is due again, backing off",
				logger.FieldUnit, unit,
				"attempts", cur.Attempts[unit])
			return out, nil
		}

		if deadline.Expired() {
			out.Reason = StopDeadline
			out.Result.Partial = true
			log.Infow("Soft deadline reached, stopping with partial progress",
				logger.FieldCount, out.Processed,
				"pending", len(cur.Pending))
			return out, nil
		}

		// Replayed head after a crash between processing and persisting the pop.
		if unit == cur.LastCompletedUnit {
			if err := r.store.Skip(ctx, cur, unit); err != nil {
				return r.stop(out, err)
			}
			out.Skipped++
			log.Debugw("Skipped already completed unit", logger.FieldUnit, unit)
			continue
		}

		u := task.Unit{Key: unit, Cursor: cur.Key, Module: module}
		if gate != nil {
			if err := gate(ctx, u); err != nil {
				out.Reason = StopGated
				out.LastErr = err
				log.Infow("Unit gated", logger.FieldUnit, unit, logger.FieldReason, err.Error())
				return out, nil
			}
		}

		res, err := step(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				out.Reason = StopCancelled
				out.LastErr = err
				return out, nil
			}
			out.Failed++
			out.LastErr = err
			again, failed, ferr := r.store.RecordFailure(ctx, cur, unit, err, !task.IsNoRetry(err))
			if ferr != nil {
				return r.stop(out, ferr)
			}
			if again {
				requeued[unit] = true
			}
			log.Warnw("Unit failed",
				logger.FieldUnit, unit,
				logger.FieldError, err.Error(),
				"requeued", again,
				"errors_count", cur.ErrorsCount)
			if failed {
				out.Reason = StopFailed
				return out, nil
			}
			continue
		}
		if res == nil {
			res = &task.Result{}
		}

		if err := r.store.Advance(ctx, cur, unit, res.NewPending, res.Discovered); err != nil {
			return r.stop(out, err)
		}
		out.Processed++
		out.Result.Add(res)

		if r.OnAdvance != nil {
			if err := r.OnAdvance(ctx, cur); err != nil {
				return r.stop(out, err)
			}
		}
	}
}

func (r *Runner) stop(out *Outcome, err error) (*Outcome, error) {
	out.LastErr = err
	if errors.IsNotOwned(err) {
		out.Reason = StopLostClaim
	}
	return out, err
}
