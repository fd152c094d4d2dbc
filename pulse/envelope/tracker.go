package envelope

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/task"
)

// RunType distinguishes per-unit executions from shared-session runs.
type RunType string

const (
	RunUnit    RunType = "unit"
	RunSession RunType = "session"
)

// Status of a tracked execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// StuckMessage is recorded on executions failed by SweepStuck.
const StuckMessage = "stuck: still running after twice its timeout"

// Record is one row of the job tracking log.
type Record struct {
	TrackingID     string
	UnitKey        string
	Module         string
	RunType        RunType
	Worker         string
	Status         Status
	StartedAt      time.Time
	CompletedAt    *time.Time
	StaleAfter     time.Time
	Timeout        time.Duration
	Duration       time.Duration
	RecordsCreated int
	RecordsUpdated int
	Partial        bool
	ErrorMessage   string
	RetryCount     int
	Metadata       map[string]string
}

// Tracker writes the job tracking log. Rows are inserted once and finished once;
// a finished row is never changed again.
type Tracker struct {
	db  *db.Handle
	now func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(h *db.Handle) *Tracker {
	return NewTrackerWithClock(h, time.Now)
}

// NewTrackerWithClock creates a tracker with an injectable clock (for testing).
func NewTrackerWithClock(h *db.Handle, now func() time.Time) *Tracker {
	return &Tracker{db: h, now: now}
}

func (t *Tracker) clock() time.Time {
	return t.now().UTC()
}

// Start records a running execution. stale_after is start plus twice the timeout.
func (t *Tracker) Start(ctx context.Context, spec Spec, timeout time.Duration) (*Record, error) {
	now := t.clock()
	rec := &Record{
		TrackingID: uuid.NewString(),
		UnitKey:    spec.UnitKey,
		Module:     spec.Module,
		RunType:    spec.RunType,
		Worker:     spec.Worker,
		Status:     StatusRunning,
		StartedAt:  now,
		StaleAfter: now.Add(2 * timeout),
		Timeout:    timeout,
		RetryCount: spec.RetryCount,
	}
	if rec.RunType == "" {
		rec.RunType = RunUnit
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO job_tracking (tracking_id, unit_key, module_name, run_type, worker, status,
			started_at, stale_after, timeout_ms, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TrackingID, rec.UnitKey, rec.Module, rec.RunType, rec.Worker, rec.Status,
		rec.StartedAt, rec.StaleAfter, timeout.Milliseconds(), rec.RetryCount)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record start of %s", spec.UnitKey)
	}
	return rec, nil
}

// Complete finishes a running execution successfully.
func (t *Tracker) Complete(ctx context.Context, id string, res *task.Result, duration time.Duration) error {
	if res == nil {
		res = &task.Result{}
	}
	var metadata sql.NullString
	if len(res.Metadata) > 0 {
		raw, err := json.Marshal(res.Metadata)
		if err != nil {
			return errors.Wrap(err, "failed to marshal result metadata")
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	return t.finish(ctx, id, `
		UPDATE job_tracking
		SET status = ?, completed_at = ?, duration_ms = ?, records_created = ?, records_updated = ?,
		    partial = ?, metadata = ?
		WHERE tracking_id = ? AND status = ?`,
		StatusCompleted, t.clock(), duration.Milliseconds(), res.RecordsCreated, res.RecordsUpdated,
		res.Partial, metadata, id, StatusRunning)
}

// Fail finishes a running execution with status (failed or timeout).
func (t *Tracker) Fail(ctx context.Context, id string, status Status, cause error, duration time.Duration) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return t.finish(ctx, id, `
		UPDATE job_tracking
		SET status = ?, completed_at = ?, duration_ms = ?, error_message = ?
		WHERE tracking_id = ? AND status = ?`,
		status, t.clock(), duration.Milliseconds(), msg, id, StatusRunning)
}

func (t *Tracker) finish(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to finish execution %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrConflict, "execution %s is not running", id)
	}
	return nil
}

// SweepStuck fails running executions past their stale_after. These belong to
// processes that died before reaching their failure handler.
func (t *Tracker) SweepStuck(ctx context.Context) (int64, error) {
	now := t.clock()
	res, err := t.db.ExecContext(ctx, `
		UPDATE job_tracking
		SET status = ?, completed_at = ?, error_message = ?
		WHERE status = ? AND stale_after < ?`,
		StatusFailed, now, StuckMessage, StatusRunning, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep stuck executions")
	}
	return res.RowsAffected()
}

const selectColumns = `tracking_id, unit_key, module_name, run_type, worker, status,
	started_at, completed_at, stale_after, timeout_ms, duration_ms,
	records_created, records_updated, partial, error_message, retry_count, metadata`

// Get returns one execution.
func (t *Tracker) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(t.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM job_tracking WHERE tracking_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return rec, nil
}

// Recent returns the latest executions, newest first.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM job_tracking ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate executions")
}

// CountByStatus counts executions started since the given time.
func (t *Tracker) CountByStatus(ctx context.Context, since time.Time) (map[Status]int, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_tracking WHERE started_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution count")
		}
		counts[st] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate execution counts")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                    Record
		completedAt          sql.NullTime
		timeoutMS            int64
		durationMS           sql.NullInt64
		errMsg, metadataJSON sql.NullString
	)
	if err := row.Scan(&r.TrackingID, &r.UnitKey, &r.Module, &r.RunType, &r.Worker, &r.Status,
		&r.StartedAt, &completedAt, &r.StaleAfter, &timeoutMS, &durationMS,
		&r.RecordsCreated, &r.RecordsUpdated, &r.Partial, &errMsg, &r.RetryCount, &metadataJSON); err != nil {
		return nil, err
	}
	r.StartedAt = r.StartedAt.UTC()
	r.StaleAfter = r.StaleAfter.UTC()
	if completedAt.Valid {
		c := completedAt.Time.UTC()
		r.CompletedAt = &c
	}
	r.Timeout = time.Duration(timeoutMS) * time.Millisecond
	r.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	r.ErrorMessage = errMsg.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &r.Metadata); err != nil {
			return nil, errors.Wrapf(err, "corrupt metadata for execution %s", r.TrackingID)
		}
	}
	return &r, nil
}
