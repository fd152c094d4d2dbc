// Package heartbeat reports worker liveness to the shared store.
//
// Each worker owns one row in worker_heartbeats, keyed by its unique name. The
// row is upserted with fresh counters on start, updated on every tick and given
// a final status on shutdown. Workers never write "stale": readers derive it
// from last_heartbeat.
package heartbeat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
)

// Status of a worker row.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusStale   Status = "stale" // derived, never written
)

// Registration identifies a worker process.
type Registration struct {
	Name   string
	Type   string
	PID    int
	Host   string
	Config string // free-form description of the worker's settings
}

// Snapshot is the per-tick state a worker reports.
type Snapshot struct {
	UnitsProcessed int
	JobsCompleted  int
	JobsFailed     int
	CurrentUnit    string
	AvgDuration    time.Duration
	LastError      string
	LastErrorAt    *time.Time
}

// FailureRate returns failed / (completed + failed), or 0 with no jobs.
func (s Snapshot) FailureRate() float64 {
	total := s.JobsCompleted + s.JobsFailed
	if total == 0 {
		return 0
	}
	return float64(s.JobsFailed) / float64(total)
}

// Worker is a heartbeat row as read back.
type Worker struct {
	Registration
	Snapshot
	Status        Status
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// Store reads and writes heartbeat rows.
type Store struct {
	db         *db.Handle
	staleAfter time.Duration
	now        func() time.Time
}

// NewStore creates a store. Rows still "running" with a heartbeat older than
// staleAfter are reported as stale.
func NewStore(h *db.Handle, staleAfter time.Duration) *Store {
	return NewStoreWithClock(h, staleAfter, time.Now)
}

// NewStoreWithClock creates a store with an injectable clock (for testing).
func NewStoreWithClock(h *db.Handle, staleAfter time.Duration, now func() time.Time) *Store {
	return &Store{db: h, staleAfter: staleAfter, now: now}
}

// StaleAfter returns the staleness threshold.
func (s *Store) StaleAfter() time.Duration {
	return s.staleAfter
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// Register upserts the worker row as running with counters reset.
func (s *Store) Register(ctx context.Context, r Registration) error {
	if r.Name == "" {
		return errors.NewInvalidRequestError("worker name is required")
	}
	now := s.clock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_name, worker_type, status, pid, host, config,
			started_at, last_heartbeat, units_processed, jobs_completed, jobs_failed,
			current_unit, avg_duration_ms, last_error, last_error_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, NULL, 0, NULL, NULL)
		ON CONFLICT (worker_name) DO UPDATE SET
			worker_type = excluded.worker_type,
			status = excluded.status,
			pid = excluded.pid,
			host = excluded.host,
			config = excluded.config,
			started_at = excluded.started_at,
			last_heartbeat = excluded.last_heartbeat,
			units_processed = 0,
			jobs_completed = 0,
			jobs_failed = 0,
			current_unit = NULL,
			avg_duration_ms = 0,
			last_error = NULL,
			last_error_at = NULL`,
		r.Name, r.Type, StatusRunning, r.PID, r.Host, nullString(r.Config), now, now)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to register worker"),
			fmt.Sprintf("worker: %s", r.Name))
	}
	return nil
}

// Beat records a tick with the worker's current counters.
func (s *Store) Beat(ctx context.Context, name string, snap Snapshot) error {
	return s.update(ctx, name, StatusRunning, snap)
}

// MarkFinal records the worker's final status on shutdown.
func (s *Store) MarkFinal(ctx context.Context, name string, status Status, snap Snapshot) error {
	if status == StatusStale || status == StatusRunning {
		return errors.NewInvalidRequestError("final status must be stopped or failed, got %s", status)
	}
	return s.update(ctx, name, status, snap)
}

func (s *Store) update(ctx context.Context, name string, status Status, snap Snapshot) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_heartbeats
		SET status = ?, last_heartbeat = ?, units_processed = ?, jobs_completed = ?, jobs_failed = ?,
		    current_unit = ?, avg_duration_ms = ?, last_error = ?, last_error_at = ?
		WHERE worker_name = ?`,
		status, s.clock(), snap.UnitsProcessed, snap.JobsCompleted, snap.JobsFailed,
		nullString(snap.CurrentUnit), float64(snap.AvgDuration)/float64(time.Millisecond),
		nullString(snap.LastError), snap.LastErrorAt, name)
	if err != nil {
		return errors.Wrapf(err, "failed to update heartbeat for %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("worker %s is not registered", name)
	}
	return nil
}

// Retire marks rows still "running" whose last heartbeat is older than
// olderThan as failed. A process that died without MarkFinal otherwise stays
// stale forever. Returns the number of rows retired.
func (s *Store) Retire(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	now := s.clock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_heartbeats
		SET status = ?, last_error = ?, last_error_at = ?
		WHERE status = ? AND last_heartbeat < ?`,
		StatusFailed, "heartbeat lost", now, StatusRunning, now.Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "failed to retire dead workers")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return n, nil
}

// Superseded reports whether a stale or failed worker has been replaced: a
// running worker of the same type started at or after its last heartbeat.
func Superseded(w *Worker, all []*Worker) bool {
	if w.Status != StatusStale && w.Status != StatusFailed {
		return false
	}
	for _, o := range all {
		if o == w || o.Type != w.Type || o.Status != StatusRunning {
			continue
		}
		if !o.StartedAt.Before(w.LastHeartbeat) {
			return true
		}
	}
	return false
}

const selectColumns = `worker_name, worker_type, status, pid, host, config, started_at, last_heartbeat,
	units_processed, jobs_completed, jobs_failed, current_unit, avg_duration_ms, last_error, last_error_at`

// Get returns one worker with its derived status.
func (s *Store) Get(ctx context.Context, name string) (*Worker, error) {
	w, err := s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM worker_heartbeats WHERE worker_name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("worker %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get worker %s", name)
	}
	return w, nil
}

// List returns all workers, optionally of one type, with derived status.
func (s *Store) List(ctx context.Context, workerType string) ([]*Worker, error) {
	query := `SELECT ` + selectColumns + ` FROM worker_heartbeats`
	var args []interface{}
	if workerType != "" {
		query += ` WHERE worker_type = ?`
		args = append(args, workerType)
	}
	query += ` ORDER BY worker_type, worker_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := s.scan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan worker")
		}
		out = append(out, w)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate workers")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scan(row rowScanner) (*Worker, error) {
	var (
		w                            Worker
		config, currentUnit, lastErr sql.NullString
		lastErrAt                    sql.NullTime
		avgMS                        float64
	)
	if err := row.Scan(&w.Name, &w.Type, &w.Status, &w.PID, &w.Host, &config, &w.StartedAt, &w.LastHeartbeat,
		&w.UnitsProcessed, &w.JobsCompleted, &w.JobsFailed, &currentUnit, &avgMS, &lastErr, &lastErrAt); err != nil {
		return nil, err
	}
	w.Config = config.String
	w.CurrentUnit = currentUnit.String
	w.LastError = lastErr.String
	w.AvgDuration = time.Duration(avgMS * float64(time.Millisecond))
	w.StartedAt = w.StartedAt.UTC()
	w.LastHeartbeat = w.LastHeartbeat.UTC()
	if lastErrAt.Valid {
		t := lastErrAt.Time.UTC()
		w.LastErrorAt = &t
	}
	if w.Status == StatusRunning && s.staleAfter > 0 && w.LastHeartbeat.Before(s.clock().Add(-s.staleAfter)) {
		w.Status = StatusStale
	}
	return &w, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
