// Package cursor persists resumable per-entity progress.
//
// A cursor holds the FIFO queue of units still to process for one entity
// (usually a domain), the last unit completed, and what has been discovered so
// far. It is written after every unit, so a crash loses at most the unit that
// was in flight. A worker resumes purely from the persisted row.
package cursor

import (
	"time"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/task"
)

// Phase is the cursor lifecycle. Phases only move forward.
type Phase string

const (
	PhaseSeeded   Phase = "seeded"
	PhaseCrawling Phase = "crawling"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// ErrPhaseRegression is returned for a transition that would move a cursor backwards
// or out of a terminal phase.
var ErrPhaseRegression = errors.Wrap(errors.ErrConflict, "cursor phase cannot move backwards")

func (p Phase) rank() int {
	switch p {
	case PhaseSeeded:
		return 0
	case PhaseCrawling:
		return 1
	case PhaseComplete, PhaseFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further units will be processed.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.rank() >= 0
}

// CanTransition reports whether from -> to keeps phases monotonic.
func CanTransition(from, to Phase) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	return !from.Terminal() && to.rank() > from.rank()
}

// Cursor is the persisted progress of one entity.
type Cursor struct {
	Key               string
	Owner             string
	Phase             Phase
	LastCompletedUnit string
	Pending           []string // FIFO, never longer than the store's MaxQueueSize
	Visited           []string // bounded, most recent last
	Discovered        task.Discovered
	UnitsProcessed    int
	TargetsFound      int
	ErrorsCount       int
	Attempts          map[string]int // failed attempts of units still pending
	LastError         string
	StartedAt         time.Time
	LastUpdated       time.Time
	CompletedAt       *time.Time
}

// Next returns the head of the pending queue.
func (c *Cursor) Next() (string, bool) {
	if len(c.Pending) == 0 {
		return "", false
	}
	return c.Pending[0], true
}

func (c *Cursor) clone() *Cursor {
	out := *c
	out.Pending = append([]string(nil), c.Pending...)
	out.Visited = append([]string(nil), c.Visited...)
	out.Discovered.Keys = append([]string(nil), c.Discovered.Keys...)
	if c.Discovered.Attributes != nil {
		out.Discovered.Attributes = make(map[string]string, len(c.Discovered.Attributes))
		for k, v := range c.Discovered.Attributes {
			out.Discovered.Attributes[k] = v
		}
	}
	if c.Attempts != nil {
		out.Attempts = make(map[string]int, len(c.Attempts))
		for k, v := range c.Attempts {
			out.Attempts[k] = v
		}
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Limits bound cursor state.
type Limits struct {
	MaxQueueSize   int // pending queue cap; extra units are dropped from the tail
	MaxVisited     int // visited memory cap; oldest entries are forgotten first
	ErrorThreshold int // unit failures before the cursor fails; 0 disables
	UnitAttempts   int // tries per unit before a transient failure drops it; <= 1 drops on first failure
}

// removeFirst drops the first occurrence of unit from queue.
func removeFirst(queue []string, unit string) []string {
	for i, u := range queue {
		if u == unit {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}

// enqueue appends units not already pending or visited, then truncates the queue
// to the first max entries. Deterministic: same input, same queue.
func enqueue(pending, visited []string, units []string, max int) []string {
	seen := make(map[string]struct{}, len(pending)+len(visited))
	for _, u := range pending {
		seen[u] = struct{}{}
	}
	for _, u := range visited {
		seen[u] = struct{}{}
	}
	for _, u := range units {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		pending = append(pending, u)
	}
	if max > 0 && len(pending) > max {
		pending = pending[:max:max]
	}
	return pending
}

// remember appends unit to visited, keeping at most max entries.
func remember(visited []string, unit string, max int) []string {
	visited = append(visited, unit)
	if max > 0 && len(visited) > max {
		visited = append([]string(nil), visited[len(visited)-max:]...)
	}
	return visited
}
