// Package task defines the contract between the orchestration core and the
// modules that do the actual collection work.
//
// A module processes one Unit at a time (a URL, a listing page, an API cursor)
// belonging to a cursor (usually a domain). It reports what it found through a
// Result; the core owns persistence, retries and scheduling.
package task

import (
	"context"
	"time"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/entity"
)

// Unit is one logical step of work inside a cursor.
type Unit struct {
	Key    string // unique within its cursor, e.g. a URL
	Cursor string // entity the unit belongs to, e.g. a domain
	Module string
}

// Discovered is the typed accumulator a cursor carries across units.
type Discovered struct {
	Keys       []string          `json:"keys,omitempty"`       // entity keys found so far, first-seen order
	Attributes map[string]string `json:"attributes,omitempty"` // first non-empty value wins
}

// Merge folds delta into d and returns how many keys were new.
func (d *Discovered) Merge(delta Discovered) int {
	seen := make(map[string]struct{}, len(d.Keys))
	for _, k := range d.Keys {
		seen[k] = struct{}{}
	}
	added := 0
	for _, k := range delta.Keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		d.Keys = append(d.Keys, k)
		added++
	}
	for k, v := range delta.Attributes {
		if v == "" {
			continue
		}
		if d.Attributes == nil {
			d.Attributes = make(map[string]string)
		}
		if _, ok := d.Attributes[k]; !ok {
			d.Attributes[k] = v
		}
	}
	return added
}

// Candidate is a provisionally discovered record headed for staging.
type Candidate struct {
	NaturalKey string // dedup key in the canonical store
	Resource   string // external resource enrichment will hit; used for quarantine gating
	Source     string // module that produced it
	Fields     entity.Fields
}

// Result is what a module reports for one unit (or one session run).
type Result struct {
	RecordsCreated int
	RecordsUpdated int
	NewPending     []string    // unit keys to enqueue on the cursor
	Discovered     Discovered  // delta merged into the cursor accumulator
	Candidates     []Candidate // staged for enrichment and promotion
	Partial        bool        // stopped early on the soft deadline
	Metadata       map[string]string
}

// Add folds other into r. Used when a session run spans several units.
func (r *Result) Add(other *Result) {
	if other == nil {
		return
	}
	r.RecordsCreated += other.RecordsCreated
	r.RecordsUpdated += other.RecordsUpdated
	r.NewPending = append(r.NewPending, other.NewPending...)
	r.Discovered.Merge(other.Discovered)
	r.Candidates = append(r.Candidates, other.Candidates...)
	r.Partial = r.Partial || other.Partial
	for k, v := range other.Metadata {
		if r.Metadata == nil {
			r.Metadata = make(map[string]string)
		}
		r.Metadata[k] = v
	}
}

// Func processes a single unit. Implementations must honour ctx cancellation;
// the envelope abandons them after the hard timeout regardless.
type Func func(ctx context.Context, unit Unit, deadline Deadline) (*Result, error)

// Session is a long-lived automation session reused across many units of one
// target. A session belongs to exactly one worker and is never shared.
type Session interface {
	Run(ctx context.Context, unit Unit, deadline Deadline) (*Result, error)
	Close() error
}

// Module describes one kind of collection work.
// Exactly one of Run or OpenSession is set.
type Module struct {
	Name string

	// Run handles one unit per envelope execution.
	Run Func

	// OpenSession starts a shared session for a whole target. The envelope then
	// wraps the entire session run and the loop checks the soft deadline
	// between units.
	OpenSession func(ctx context.Context, seed string) (Session, error)

	HardTimeout  time.Duration // zero = envelope default
	SafetyMargin time.Duration // zero = envelope default
}

// Shared reports whether the module runs many units in one session.
func (m *Module) Shared() bool {
	return m.OpenSession != nil
}

// Validate checks the module is runnable.
func (m *Module) Validate() error {
	if m.Name == "" {
		return errors.New("module name is required")
	}
	if (m.Run == nil) == (m.OpenSession == nil) {
		return errors.Newf("module %s must set exactly one of Run or OpenSession", m.Name)
	}
	if m.HardTimeout > 0 && m.SafetyMargin >= m.HardTimeout {
		return errors.Newf("module %s safety margin %s must be below hard timeout %s",
			m.Name, m.SafetyMargin, m.HardTimeout)
	}
	return nil
}

// noRetryError marks failures that retrying cannot fix (bad input, 404, parse errors).
type noRetryError struct {
	err error
}

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetry wraps err so schedulers treat it as terminal.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

// IsNoRetry reports whether err was marked with NoRetry.
func IsNoRetry(err error) bool {
	var nr *noRetryError
	return errors.As(err, &nr)
}
