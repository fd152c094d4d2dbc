// Package staging holds provisionally discovered records until they are
// enriched and promoted into the canonical entities table.
//
// A staging row is ready when it is unprocessed, below MaxRetry, and not
// waiting out a backoff. Failures push next_retry_at out along the backoff
// schedule; at MaxRetry a row is terminal and stays for audit. Promotion
// upserts the canonical row by natural key and deletes the staging row in the
// same transaction.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/entity"
	"github.com/teranos/forage/pulse/task"
)

// Record is one staging row.
type Record struct {
	ID          int64
	NaturalKey  string
	Resource    string
	Source      string
	Payload     entity.Fields
	Processed   bool
	RetryCount  int
	NextRetryAt *time.Time
	LastError   string
	CreatedAt   time.Time
}

// Terminal reports whether the record will never be attempted again.
func (r *Record) Terminal(maxRetry int) bool {
	return r.Processed || r.RetryCount >= maxRetry
}

// Config is the retry policy.
type Config struct {
	Backoff  []time.Duration // delay after the Nth failure (zero-based); last entry repeats
	MaxRetry int
}

// DefaultConfig returns 1h, 4h, 16h backoff with three attempts.
func DefaultConfig() Config {
	return Config{
		Backoff:  []time.Duration{time.Hour, 4 * time.Hour, 16 * time.Hour},
		MaxRetry: 3,
	}
}

// BackoffDelay returns the delay after a failure at retryCount previous failures.
func (c Config) BackoffDelay(retryCount int) time.Duration {
	if len(c.Backoff) == 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(c.Backoff) {
		retryCount = len(c.Backoff) - 1
	}
	return c.Backoff[retryCount]
}

// Counts summarizes the staging table.
type Counts struct {
	Ready    int `json:"ready"`
	Waiting  int `json:"waiting"`
	Terminal int `json:"terminal"`
}

// Store persists staging and canonical records.
type Store struct {
	db       *db.Handle
	mu       sync.RWMutex // guards cfg
	cfg      Config
	policies entity.PolicyTable
	now      func() time.Time
}

// NewStore creates a store with the default merge policies.
func NewStore(h *db.Handle, cfg Config) *Store {
	return NewStoreWithClock(h, cfg, time.Now)
}

// NewStoreWithClock creates a store with an injectable clock (for testing).
func NewStoreWithClock(h *db.Handle, cfg Config, now func() time.Time) *Store {
	return &Store{db: h, cfg: cfg, policies: entity.DefaultPolicies, now: now}
}

// WithPolicies replaces the merge policy table.
func (s *Store) WithPolicies(p entity.PolicyTable) *Store {
	s.policies = p
	return s
}

// Config returns the retry policy.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetConfig replaces the retry policy. Records already waiting keep their
// next_retry_at; the new backoff applies from their next failure.
func (s *Store) SetConfig(c Config) error {
	if c.MaxRetry < 0 {
		return errors.NewInvalidRequestError("staging max retry must be >= 0, got %d", c.MaxRetry)
	}
	for i, d := range c.Backoff {
		if d <= 0 {
			return errors.NewInvalidRequestError("staging backoff entry %d must be positive", i)
		}
	}
	s.mu.Lock()
	s.cfg = c
	s.mu.Unlock()
	return nil
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// Enqueue stages a candidate and returns its id.
func (s *Store) Enqueue(ctx context.Context, c task.Candidate) (int64, error) {
	if c.NaturalKey == "" {
		return 0, errors.NewInvalidRequestError("staging natural key is required")
	}
	payload, err := json.Marshal(c.Fields)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal staging payload")
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO staging (natural_key, resource, source, payload, processed, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		RETURNING id`,
		c.NaturalKey, c.Resource, c.Source, string(payload), false, s.clock()).Scan(&id)
	if err != nil {
		return 0, errors.WithDetail(errors.Wrap(err, "failed to enqueue staging record"),
			fmt.Sprintf("natural_key: %s", c.NaturalKey))
	}
	return id, nil
}

// EnqueueAll stages candidates in one transaction.
func (s *Store) EnqueueAll(ctx context.Context, cs []task.Candidate) (int, error) {
	if len(cs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin staging transaction")
	}
	defer tx.Rollback()

	now := s.clock()
	for _, c := range cs {
		if c.NaturalKey == "" {
			return 0, errors.NewInvalidRequestError("staging natural key is required")
		}
		payload, err := json.Marshal(c.Fields)
		if err != nil {
			return 0, errors.Wrap(err, "failed to marshal staging payload")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO staging (natural_key, resource, source, payload, processed, retry_count, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			c.NaturalKey, c.Resource, c.Source, string(payload), false, now); err != nil {
			return 0, errors.Wrapf(err, "failed to enqueue %s", c.NaturalKey)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit staging batch")
	}
	return len(cs), nil
}

const selectColumns = `id, natural_key, resource, source, payload, processed, retry_count,
	next_retry_at, last_error, created_at`

// GetReady returns records due for an attempt, oldest first.
func (s *Store) GetReady(ctx context.Context, limit int) ([]*Record, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+` FROM staging
		WHERE processed = ? AND retry_count < ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		false, s.Config().MaxRetry, s.clock(), limit)
}

// ListTerminal returns records that will not be attempted again, newest first.
func (s *Store) ListTerminal(ctx context.Context, limit int) ([]*Record, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+` FROM staging
		WHERE processed = ? OR retry_count >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		true, s.Config().MaxRetry, limit)
}

// Get returns one staging record.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM staging WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("staging record %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get staging record %d", id)
	}
	return rec, nil
}

// ScheduleRetry counts a failed attempt. The next attempt waits
// BackoffDelay(previous retry count). Returns true if the record is now terminal.
func (s *Store) ScheduleRetry(ctx context.Context, rec *Record, cause error) (bool, error) {
	now := s.clock()
	count := rec.RetryCount + 1
	msg := errorText(cause)

	var next *time.Time
	if count < s.Config().MaxRetry {
		at := now.Add(s.Config().BackoffDelay(rec.RetryCount))
		next = &at
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE staging SET retry_count = ?, next_retry_at = ?, last_error = ?
		WHERE id = ? AND retry_count = ? AND processed = ?`,
		count, next, msg, rec.ID, rec.RetryCount, false)
	if err != nil {
		return false, errors.Wrapf(err, "failed to schedule retry for staging record %d", rec.ID)
	}
	if err := expectOne(res, rec.ID); err != nil {
		return false, err
	}

	rec.RetryCount = count
	rec.NextRetryAt = next
	rec.LastError = msg
	return count >= s.Config().MaxRetry, nil
}

// Defer pushes a record's next attempt to until without counting a failure.
func (s *Store) Defer(ctx context.Context, rec *Record, until time.Time) error {
	until = until.UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE staging SET next_retry_at = ? WHERE id = ? AND processed = ?`,
		until, rec.ID, false)
	if err != nil {
		return errors.Wrapf(err, "failed to defer staging record %d", rec.ID)
	}
	if err := expectOne(res, rec.ID); err != nil {
		return err
	}
	rec.NextRetryAt = &until
	return nil
}

// DropTerminal marks a record as never to be retried, keeping it for audit.
func (s *Store) DropTerminal(ctx context.Context, rec *Record, cause error) error {
	msg := errorText(cause)
	res, err := s.db.ExecContext(ctx, `
		UPDATE staging SET processed = ?, next_retry_at = NULL, last_error = ? WHERE id = ?`,
		true, msg, rec.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to drop staging record %d", rec.ID)
	}
	if err := expectOne(res, rec.ID); err != nil {
		return err
	}
	rec.Processed = true
	rec.NextRetryAt = nil
	rec.LastError = msg
	return nil
}

// Promote merges rec (overlaid with enrichment) into the canonical record with
// the same natural key, or inserts one, marks it active, and deletes the staging
// row. All in one transaction. Returns the canonical id and whether it was created.
func (s *Store) Promote(ctx context.Context, rec *Record, enrichment entity.Fields) (int64, bool, error) {
	incoming := overlay(rec.Payload, enrichment)
	now := s.clock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to begin promotion")
	}
	defer tx.Rollback()

	existing, err := scanCanonical(tx.QueryRowContext(ctx,
		`SELECT `+canonicalColumns+` FROM entities WHERE natural_key = ?`, rec.NaturalKey))
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return 0, false, errors.Wrapf(err, "failed to load canonical record %s", rec.NaturalKey)
	}

	var id int64
	if created {
		f := incoming
		err = tx.QueryRowContext(ctx, `
			INSERT INTO entities (natural_key, name, website, email, phone, address, category,
				description, rating, review_count, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			rec.NaturalKey, f.Name, f.Website, f.Email, f.Phone, f.Address, f.Category,
			f.Description, f.Rating, f.ReviewCount, true, now, now).Scan(&id)
		if db.IsUniqueViolation(err) {
			// Another promoter created it first; the retry merges into it.
			return 0, false, errors.Wrapf(errors.ErrConflict, "canonical record %s created concurrently", rec.NaturalKey)
		}
		if err != nil {
			return 0, false, errors.Wrapf(err, "failed to insert canonical record %s", rec.NaturalKey)
		}
	} else {
		id = existing.ID
		f, _ := s.policies.Merge(existing.Fields, incoming)
		_, err = tx.ExecContext(ctx, `
			UPDATE entities SET name = ?, website = ?, email = ?, phone = ?, address = ?, category = ?,
				description = ?, rating = ?, review_count = ?, active = ?, updated_at = ?
			WHERE id = ?`,
			f.Name, f.Website, f.Email, f.Phone, f.Address, f.Category,
			f.Description, f.Rating, f.ReviewCount, true, now, id)
		if err != nil {
			return 0, false, errors.Wrapf(err, "failed to merge canonical record %s", rec.NaturalKey)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM staging WHERE id = ?`, rec.ID)
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to delete staging record %d", rec.ID)
	}
	if err := expectOne(res, rec.ID); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, errors.Wrap(err, "failed to commit promotion")
	}
	return id, created, nil
}

// Counts returns ready, waiting and terminal totals.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN processed = ? AND retry_count < ? AND (next_retry_at IS NULL OR next_retry_at <= ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = ? AND retry_count < ? AND next_retry_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = ? OR retry_count >= ? THEN 1 ELSE 0 END), 0)
		FROM staging`,
		false, s.Config().MaxRetry, s.clock(),
		false, s.Config().MaxRetry, s.clock(),
		true, s.Config().MaxRetry).Scan(&c.Ready, &c.Waiting, &c.Terminal)
	if err != nil {
		return Counts{}, errors.Wrap(err, "failed to count staging records")
	}
	return c, nil
}

const canonicalColumns = `id, natural_key, name, website, email, phone, address, category,
	description, rating, review_count, active, created_at, updated_at`

// GetCanonical returns the canonical record for a natural key.
func (s *Store) GetCanonical(ctx context.Context, naturalKey string) (*entity.Canonical, error) {
	c, err := scanCanonical(s.db.QueryRowContext(ctx,
		`SELECT `+canonicalColumns+` FROM entities WHERE natural_key = ?`, naturalKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("canonical record %s", naturalKey)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get canonical record %s", naturalKey)
	}
	return c, nil
}

// CountCanonical returns the number of canonical records.
func (s *Store) CountCanonical(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count canonical records")
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query staging records")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan staging record")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate staging records")
}

// overlay returns base with every known field of top applied over it.
func overlay(base, top entity.Fields) entity.Fields {
	out := base
	if top.Name != nil {
		out.Name = top.Name
	}
	if top.Website != nil {
		out.Website = top.Website
	}
	if top.Email != nil {
		out.Email = top.Email
	}
	if top.Phone != nil {
		out.Phone = top.Phone
	}
	if top.Address != nil {
		out.Address = top.Address
	}
	if top.Category != nil {
		out.Category = top.Category
	}
	if top.Description != nil {
		out.Description = top.Description
	}
	if top.Rating != nil {
		out.Rating = top.Rating
	}
	if top.ReviewCount != nil {
		out.ReviewCount = top.ReviewCount
	}
	return out
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrConflict, "staging record %d changed concurrently", id)
	}
	return nil
}
