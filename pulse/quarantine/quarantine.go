// Package quarantine is a circuit breaker keyed by external resource (usually a domain).
//
// Error events are kept in a short per-resource sliding window. When enough
// events of the same class land inside the window, the resource is quarantined
// for a duration taken from an ordered backoff schedule, indexed by how many
// times it has tripped before. Workers check IsQuarantined before dispatching
// work against a resource.
//
// Entries are shared by every worker. Writes are last-write-wins: a lost
// update at worst delays or repeats a trip, which is acceptable for a backoff signal.
package quarantine

import (
	"time"

	"github.com/teranos/forage/errors"
)

// ErrorCode is the class of an error event.
type ErrorCode string

const (
	CodeRateLimited ErrorCode = "rate_limited"
	CodeBlocked     ErrorCode = "blocked"
	CodeCaptcha     ErrorCode = "captcha"
	CodeTimeout     ErrorCode = "timeout"
	CodeServerError ErrorCode = "server_error"
	CodeConnection  ErrorCode = "connection"
	CodeManual      ErrorCode = "manual"
	CodeUnknown     ErrorCode = "unknown"
)

// ErrQuarantined is returned by Gate for a resource under quarantine.
var ErrQuarantined = errors.Wrap(errors.ErrServiceUnavailable, "resource quarantined")

// Event is one recorded error.
type Event struct {
	Code ErrorCode `json:"code"`
	At   time.Time `json:"at"`
}

// Entry is the quarantine state of one resource.
type Entry struct {
	Resource         string     `json:"resource"`
	Reason           ErrorCode  `json:"reason"`
	QuarantinedUntil *time.Time `json:"quarantined_until,omitempty"`
	RetryAttempt     int        `json:"retry_attempt"`
	RecentErrors     []Event    `json:"recent_errors"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Active reports whether the resource is quarantined at now.
func (e *Entry) Active(now time.Time) bool {
	return e != nil && e.QuarantinedUntil != nil && now.Before(*e.QuarantinedUntil)
}

// prune drops events at or before cutoff.
func (e *Entry) prune(cutoff time.Time) {
	kept := e.RecentErrors[:0]
	for _, ev := range e.RecentErrors {
		if ev.At.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	e.RecentErrors = kept
}

func (e *Entry) count(code ErrorCode) int {
	n := 0
	for _, ev := range e.RecentErrors {
		if ev.Code == code {
			n++
		}
	}
	return n
}

func (e *Entry) clear(code ErrorCode) {
	kept := e.RecentErrors[:0]
	for _, ev := range e.RecentErrors {
		if ev.Code != code {
			kept = append(kept, ev)
		}
	}
	e.RecentErrors = kept
}

// Policy configures tripping and backoff.
type Policy struct {
	Window    time.Duration   // sliding window for error events
	Threshold int             // same-class events within Window that trip quarantine
	Schedule  []time.Duration // quarantine durations by trip count; last entry repeats
}

// DefaultPolicy returns the default 10 minute window, 3 events, 5m..24h schedule.
func DefaultPolicy() Policy {
	return Policy{
		Window:    10 * time.Minute,
		Threshold: 3,
		Schedule: []time.Duration{
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
			4 * time.Hour,
			24 * time.Hour,
		},
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return errors.Newf("quarantine window must be positive, got %s", p.Window)
	}
	if p.Threshold < 1 {
		return errors.Newf("quarantine threshold must be at least 1, got %d", p.Threshold)
	}
	if len(p.Schedule) == 0 {
		return errors.New("quarantine schedule must not be empty")
	}
	for i, d := range p.Schedule {
		if d <= 0 {
			return errors.Newf("quarantine schedule entry %d must be positive", i)
		}
		if i > 0 && d < p.Schedule[i-1] {
			return errors.Newf("quarantine schedule must be non-decreasing at entry %d", i)
		}
	}
	return nil
}

// BackoffDelay returns the quarantine duration for the given zero-based attempt.
// Non-decreasing in attempt and bounded by the last schedule entry.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.Schedule) {
		attempt = len(p.Schedule) - 1
	}
	return p.Schedule[attempt]
}
