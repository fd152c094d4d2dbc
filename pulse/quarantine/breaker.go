package quarantine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
)

// Breaker applies the quarantine policy over a Store.
type Breaker struct {
	store  Store
	policy Policy
	logger *zap.SugaredLogger
	now    func() time.Time

	// serializes read-modify-write cycles within this process, guards policy
	mu sync.Mutex
}

// NewBreaker creates a breaker with real time.
func NewBreaker(store Store, policy Policy, log *zap.SugaredLogger) *Breaker {
	return NewBreakerWithClock(store, policy, log, time.Now)
}

// NewBreakerWithClock creates a breaker with an injectable clock (for testing).
func NewBreakerWithClock(store Store, policy Policy, log *zap.SugaredLogger, now func() time.Time) *Breaker {
	if log == nil {
		log = logger.Logger
	}
	return &Breaker{store: store, policy: policy, logger: log.Named("quarantine"), now: now}
}

func (b *Breaker) clock() time.Time {
	return b.now().UTC()
}

// Policy returns the breaker's policy.
func (b *Breaker) Policy() Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

// SetPolicy replaces the policy. Quarantines already in force keep their
// expiry; the new window, threshold and schedule apply from the next event.
func (b *Breaker) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.policy = p
	b.mu.Unlock()

	b.logger.Infow("Quarantine policy updated",
		"window", p.Window.String(),
		"threshold", p.Threshold,
		"schedule", p.Schedule)
	return nil
}

// BackoffDelay returns the quarantine duration for a zero-based attempt.
func (b *Breaker) BackoffDelay(attempt int) time.Duration {
	return b.Policy().BackoffDelay(attempt)
}

// IsQuarantined reports whether resource is quarantined right now.
func (b *Breaker) IsQuarantined(ctx context.Context, resource string) (bool, error) {
	e, err := b.store.Get(ctx, resource)
	if err != nil {
		return false, err
	}
	return e.Active(b.clock()), nil
}

// Gate returns ErrQuarantined (with the expiry as detail) if resource is quarantined.
func (b *Breaker) Gate(ctx context.Context, resource string) error {
	if resource == "" {
		return nil
	}
	e, err := b.store.Get(ctx, resource)
	if err != nil {
		return err
	}
	if !e.Active(b.clock()) {
		return nil
	}
	return errors.WithDetailf(errors.Wrapf(ErrQuarantined, "%s (%s)", resource, e.Reason),
		"quarantined until %s", e.QuarantinedUntil.Format(time.RFC3339))
}

// Quarantine puts resource under quarantine for duration. The retry attempt
// counter is left as is.
func (b *Breaker) Quarantine(ctx context.Context, resource string, reason ErrorCode, duration time.Duration) error {
	if resource == "" {
		return errors.NewInvalidRequestError("quarantine resource is required")
	}
	if duration <= 0 {
		return errors.NewInvalidRequestError("quarantine duration must be positive, got %s", duration)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.load(ctx, resource)
	if err != nil {
		return err
	}
	now := b.clock()
	until := now.Add(duration)
	e.Reason = reason
	e.QuarantinedUntil = &until
	e.UpdatedAt = now
	if err := b.store.Put(ctx, e); err != nil {
		return err
	}

	b.logger.Infow("Resource quarantined",
		logger.FieldResource, resource,
		logger.FieldReason, reason,
		"until", until)
	return nil
}

// RecordErrorEvent appends an event to resource's sliding window. When the
// same-class count inside the window reaches the threshold and the resource is
// not already quarantined, it trips: the duration comes from the backoff
// schedule at the current retry attempt, the attempt counter increments, and
// that class's events are cleared so the window trips at most once.
func (b *Breaker) RecordErrorEvent(ctx context.Context, resource string, code ErrorCode) (bool, error) {
	if resource == "" {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.load(ctx, resource)
	if err != nil {
		return false, err
	}

	now := b.clock()
	e.prune(now.Add(-b.policy.Window))
	e.RecentErrors = append(e.RecentErrors, Event{Code: code, At: now})
	e.UpdatedAt = now

	tripped := false
	if !e.Active(now) && e.count(code) >= b.policy.Threshold {
		duration := b.policy.BackoffDelay(e.RetryAttempt)
		until := now.Add(duration)
		e.Reason = code
		e.QuarantinedUntil = &until
		e.RetryAttempt++
		e.clear(code)
		tripped = true

		b.logger.Warnw("Resource quarantined after repeated errors",
			logger.FieldResource, resource,
			logger.FieldReason, code,
			logger.FieldAttempt, e.RetryAttempt,
			"duration", duration.String(),
			"until", until)
	}

	if err := b.store.Put(ctx, e); err != nil {
		return false, err
	}
	return tripped, nil
}

// RecordSuccess resets the retry attempt counter and the error window after a
// successful attempt. An active quarantine is left to expire.
func (b *Breaker) RecordSuccess(ctx context.Context, resource string) error {
	if resource == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.store.Get(ctx, resource)
	if err != nil || e == nil {
		return err
	}
	if e.RetryAttempt == 0 && len(e.RecentErrors) == 0 {
		return nil
	}
	e.RetryAttempt = 0
	e.RecentErrors = nil
	e.UpdatedAt = b.clock()
	return b.store.Put(ctx, e)
}

// Release lifts a quarantine and forgets the resource's history.
func (b *Breaker) Release(ctx context.Context, resource string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Delete(ctx, resource); err != nil {
		return err
	}
	b.logger.Infow("Resource released", logger.FieldResource, resource)
	return nil
}

// Active returns entries whose quarantine has not expired.
func (b *Breaker) Active(ctx context.Context) ([]*Entry, error) {
	all, err := b.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := b.clock()
	var out []*Entry
	for _, e := range all {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *Breaker) load(ctx context.Context, resource string) (*Entry, error) {
	e, err := b.store.Get(ctx, resource)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = &Entry{Resource: resource}
	}
	return e, nil
}
