// Package target is the durable table of schedulable work and the leasing
// protocol workers use to claim it.
//
// A target moves PLANNED -> IN_PROGRESS on claim and IN_PROGRESS -> DONE,
// FAILED or back to PLANNED (retry) on release. Orphan recovery resets targets
// whose holder stopped renewing its heartbeat.
package target

import (
	"time"
)

// Status is the target state machine.
type Status string

const (
	StatusPlanned    Status = "PLANNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPlanned, StatusInProgress, StatusDone, StatusFailed}

// Target is one schedulable unit of work, e.g. "berlin:bakery" seeded with a
// listing URL. Invariant: Status == IN_PROGRESS implies ClaimedBy and
// HeartbeatAt are set.
type Target struct {
	ID              int64
	GroupKey        string
	Module          string
	Seed            string
	Status          Status
	Priority        int // lower runs first
	ClaimedBy       string
	ClaimedAt       *time.Time
	HeartbeatAt     *time.Time
	ProgressCurrent int
	ProgressTarget  int
	NextRetryAt     *time.Time
	RetryCount      int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewTarget describes a target to seed.
type NewTarget struct {
	GroupKey string
	Module   string
	Seed     string
	Priority int
}

// Filter narrows which targets a worker may claim. Empty fields match everything.
type Filter struct {
	GroupKeys   []string
	Modules     []string
	MaxPriority *int
}

// Scope narrows orphan recovery.
type Scope struct {
	GroupKeys []string
	ClaimedBy string // only reclaim targets last held by this worker
	// OwnerPrefix reclaims targets held by any worker whose id starts with it,
	// e.g. every goroutine of a restarted pool.
	OwnerPrefix string
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeFailed
	outcomeRetry
	outcomeResume
)

// Outcome is how a claim ends.
type Outcome struct {
	kind    outcomeKind
	retryAt time.Time
	err     string
}

// Done marks the target complete.
func Done() Outcome {
	return Outcome{kind: outcomeDone}
}

// Failed marks the target terminally failed.
func Failed(err error) Outcome {
	return Outcome{kind: outcomeFailed, err: errString(err)}
}

// Retry returns the target to PLANNED, eligible again at retryAt.
func Retry(retryAt time.Time, err error) Outcome {
	return Outcome{kind: outcomeRetry, retryAt: retryAt.UTC(), err: errString(err)}
}

// Resume returns the target to PLANNED, eligible again at at, without counting
// a retry. For claims that stopped with progress checkpointed rather than
// because an attempt failed.
func Resume(at time.Time, err error) Outcome {
	return Outcome{kind: outcomeResume, retryAt: at.UTC(), err: errString(err)}
}

func (o Outcome) String() string {
	switch o.kind {
	case outcomeDone:
		return "done"
	case outcomeFailed:
		return "failed"
	case outcomeResume:
		return "resume"
	default:
		return "retry"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
