package cursor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/task"
)

const selectColumns = `key, owner, phase, last_completed_unit, pending_queue, visited, discovered,
	units_processed, targets_found, errors_count, unit_attempts, last_error,
	started_at, last_updated, completed_at`

// Store persists cursors. Every write is a single owner-guarded statement, so
// cursor state and its phase change land together or not at all.
type Store struct {
	db     *db.Handle
	limits Limits
	now    func() time.Time
}

// NewStore creates a cursor store.
func NewStore(h *db.Handle, limits Limits) *Store {
	return NewStoreWithClock(h, limits, time.Now)
}

// NewStoreWithClock creates a cursor store with an injectable clock (for testing).
func NewStoreWithClock(h *db.Handle, limits Limits, now func() time.Time) *Store {
	return &Store{db: h, limits: limits, now: now}
}

// Limits returns the bounds this store enforces.
func (s *Store) Limits() Limits {
	return s.limits
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// GetOrCreate loads the cursor for key, creating it with seedUnit as the only
// pending unit if it does not exist, and transfers ownership to owner.
// Ownership is only ever taken by the worker holding the target claim; it fences
// out writes from a previous holder that is still running.
func (s *Store) GetOrCreate(ctx context.Context, key, seedUnit, owner string) (*Cursor, error) {
	if key == "" || owner == "" {
		return nil, errors.NewInvalidRequestError("cursor key and owner are required")
	}

	now := s.clock()
	pending := []string{}
	if seedUnit != "" {
		pending = append(pending, seedUnit)
	}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal seed queue")
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin cursor transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crawl_cursors (key, owner, phase, pending_queue, visited, discovered, started_at, last_updated)
		VALUES (?, ?, ?, ?, '[]', '{}', ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		key, owner, PhaseSeeded, string(pendingJSON), now, now); err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to create cursor"), fmt.Sprintf("key: %s", key))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE crawl_cursors SET owner = ? WHERE key = ?`, owner, key); err != nil {
		return nil, errors.Wrapf(err, "failed to take ownership of cursor %s", key)
	}

	cur, err := scanCursor(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM crawl_cursors WHERE key = ?`, key))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load cursor %s", key)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit cursor")
	}
	return cur, nil
}

// Get loads a cursor without taking ownership.
func (s *Store) Get(ctx context.Context, key string) (*Cursor, error) {
	cur, err := scanCursor(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM crawl_cursors WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("cursor %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get cursor %s", key)
	}
	return cur, nil
}

// Advance records completedUnit as done: it leaves the queue, becomes
// last_completed_unit, new units are appended (deduplicated, then truncated to
// the first MaxQueueSize), and the discovered delta is merged. The cursor moves
// to crawling, or to complete when the queue drains. One write; cur is updated
// only if it succeeds.
func (s *Store) Advance(ctx context.Context, cur *Cursor, completedUnit string, newPending []string, delta task.Discovered) error {
	if cur.Phase.Terminal() {
		return errors.Wrapf(ErrPhaseRegression, "cursor %s is %s", cur.Key, cur.Phase)
	}

	now := s.clock()
	next := cur.clone()
	next.Pending = removeFirst(next.Pending, completedUnit)
	delete(next.Attempts, completedUnit)
	next.LastCompletedUnit = completedUnit
	next.Visited = remember(next.Visited, completedUnit, s.limits.MaxVisited)
	next.Pending = enqueue(next.Pending, next.Visited, newPending, s.limits.MaxQueueSize)
	next.TargetsFound += next.Discovered.Merge(delta)
	next.UnitsProcessed++
	next.LastUpdated = now
	next.Phase = PhaseCrawling
	if len(next.Pending) == 0 {
		next.Phase = PhaseComplete
		next.CompletedAt = &now
	}

	if err := s.write(ctx, cur, next); err != nil {
		return err
	}
	*cur = *next
	return nil
}

// RecordFailure counts a failed attempt at unit. A retryable failure moves the
// unit to the tail of the queue until it has used up UnitAttempts; otherwise,
// or once its attempts are spent, the unit is dropped and remembered as
// visited. Once the error count reaches the threshold the cursor fails, in the
// same write. Returns whether the unit was requeued and whether the cursor is
// now failed.
func (s *Store) RecordFailure(ctx context.Context, cur *Cursor, unit string, cause error, retryable bool) (requeued, failed bool, err error) {
	if cur.Phase.Terminal() {
		return false, cur.Phase == PhaseFailed, errors.Wrapf(ErrPhaseRegression, "cursor %s is %s", cur.Key, cur.Phase)
	}

	now := s.clock()
	next := cur.clone()
	next.Pending = removeFirst(next.Pending, unit)
	attempts := next.Attempts[unit] + 1
	if retryable && attempts < s.limits.UnitAttempts {
		if next.Attempts == nil {
			next.Attempts = map[string]int{}
		}
		next.Attempts[unit] = attempts
		next.Pending = append(next.Pending, unit)
		requeued = true
	} else {
		delete(next.Attempts, unit)
		next.Visited = remember(next.Visited, unit, s.limits.MaxVisited)
	}
	next.ErrorsCount++
	if cause != nil {
		next.LastError = cause.Error()
	}
	next.LastUpdated = now

	switch {
	case s.limits.ErrorThreshold > 0 && next.ErrorsCount >= s.limits.ErrorThreshold:
		next.Phase = PhaseFailed
		next.CompletedAt = &now
		requeued = false
	case len(next.Pending) == 0:
		next.Phase = PhaseComplete
		next.CompletedAt = &now
	}

	if err := s.write(ctx, cur, next); err != nil {
		return false, false, err
	}
	*cur = *next
	return requeued, cur.Phase == PhaseFailed, nil
}

// Skip drops the head unit without processing it. Used when the head equals
// last_completed_unit after a crash replay.
func (s *Store) Skip(ctx context.Context, cur *Cursor, unit string) error {
	next := cur.clone()
	next.Pending = removeFirst(next.Pending, unit)
	next.LastUpdated = s.clock()
	if len(next.Pending) == 0 && !next.Phase.Terminal() {
		next.Phase = PhaseComplete
		next.CompletedAt = &next.LastUpdated
	}
	if err := s.write(ctx, cur, next); err != nil {
		return err
	}
	*cur = *next
	return nil
}

// SetPhase moves the cursor to phase. Backward moves return ErrPhaseRegression.
func (s *Store) SetPhase(ctx context.Context, cur *Cursor, phase Phase) error {
	if !CanTransition(cur.Phase, phase) {
		return errors.Wrapf(ErrPhaseRegression, "cursor %s: %s -> %s", cur.Key, cur.Phase, phase)
	}
	if cur.Phase == phase {
		return nil
	}
	next := cur.clone()
	next.Phase = phase
	next.LastUpdated = s.clock()
	if phase.Terminal() {
		next.CompletedAt = &next.LastUpdated
	}
	if err := s.write(ctx, cur, next); err != nil {
		return err
	}
	*cur = *next
	return nil
}

// List returns cursors, optionally filtered by phase, most recently updated first.
func (s *Store) List(ctx context.Context, phase *Phase, limit int) ([]*Cursor, error) {
	query := `SELECT ` + selectColumns + ` FROM crawl_cursors`
	var args []interface{}
	if phase != nil {
		query += ` WHERE phase = ?`
		args = append(args, *phase)
	}
	query += ` ORDER BY last_updated DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cursors")
	}
	defer rows.Close()

	var out []*Cursor
	for rows.Next() {
		cur, err := scanCursor(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan cursor")
		}
		out = append(out, cur)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate cursors")
}

// write persists next over prev. The row must still be owned by prev.Owner and
// still be in prev.Phase; otherwise another writer took over and ErrNotOwned is returned.
func (s *Store) write(ctx context.Context, prev, next *Cursor) error {
	if !CanTransition(prev.Phase, next.Phase) {
		return errors.Wrapf(ErrPhaseRegression, "cursor %s: %s -> %s", prev.Key, prev.Phase, next.Phase)
	}

	pending, err := json.Marshal(nonNil(next.Pending))
	if err != nil {
		return errors.Wrap(err, "failed to marshal pending queue")
	}
	visited, err := json.Marshal(nonNil(next.Visited))
	if err != nil {
		return errors.Wrap(err, "failed to marshal visited units")
	}
	discovered, err := json.Marshal(next.Discovered)
	if err != nil {
		return errors.Wrap(err, "failed to marshal discovered state")
	}
	attempts := next.Attempts
	if attempts == nil {
		attempts = map[string]int{}
	}
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return errors.Wrap(err, "failed to marshal unit attempts")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_cursors
		SET phase = ?, last_completed_unit = ?, pending_queue = ?, visited = ?, discovered = ?,
		    units_processed = ?, targets_found = ?, errors_count = ?, unit_attempts = ?, last_error = ?,
		    last_updated = ?, completed_at = ?
		WHERE key = ? AND owner = ? AND phase = ?`,
		next.Phase, nullString(next.LastCompletedUnit), string(pending), string(visited), string(discovered),
		next.UnitsProcessed, next.TargetsFound, next.ErrorsCount, string(attemptsJSON), nullString(next.LastError),
		next.LastUpdated, next.CompletedAt,
		prev.Key, prev.Owner, prev.Phase)
	if err != nil {
		return errors.WithDetail(errors.Wrapf(err, "failed to persist cursor %s", prev.Key),
			fmt.Sprintf("phase: %s -> %s", prev.Phase, next.Phase))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotOwnedError("cursor %s is no longer owned by %s in phase %s", prev.Key, prev.Owner, prev.Phase)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCursor(row rowScanner) (*Cursor, error) {
	var (
		c                             Cursor
		owner, lastCompleted, lastErr sql.NullString
		pending, visited, discovered  string
		attempts                      string
		completedAt                   sql.NullTime
	)
	if err := row.Scan(&c.Key, &owner, &c.Phase, &lastCompleted, &pending, &visited, &discovered,
		&c.UnitsProcessed, &c.TargetsFound, &c.ErrorsCount, &attempts, &lastErr,
		&c.StartedAt, &c.LastUpdated, &completedAt); err != nil {
		return nil, err
	}
	c.Owner = owner.String
	c.LastCompletedUnit = lastCompleted.String
	c.LastError = lastErr.String
	c.StartedAt = c.StartedAt.UTC()
	c.LastUpdated = c.LastUpdated.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		c.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(pending), &c.Pending); err != nil {
		return nil, errors.Wrapf(err, "corrupt pending queue for cursor %s", c.Key)
	}
	if err := json.Unmarshal([]byte(visited), &c.Visited); err != nil {
		return nil, errors.Wrapf(err, "corrupt visited units for cursor %s", c.Key)
	}
	if err := json.Unmarshal([]byte(discovered), &c.Discovered); err != nil {
		return nil, errors.Wrapf(err, "corrupt discovered state for cursor %s", c.Key)
	}
	if err := json.Unmarshal([]byte(attempts), &c.Attempts); err != nil {
		return nil, errors.Wrapf(err, "corrupt unit attempts for cursor %s", c.Key)
	}
	return &c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
