package target

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
)

// Store persists targets and implements the claim/lease protocol.
type Store struct {
	db           *db.Handle
	leaseTimeout time.Duration
	now          func() time.Time
}

// NewStore creates a target store. Claims whose heartbeat is older than
// leaseTimeout are claimable by other workers.
func NewStore(h *db.Handle, leaseTimeout time.Duration) *Store {
	return NewStoreWithClock(h, leaseTimeout, time.Now)
}

// NewStoreWithClock creates a target store with an injectable clock (for testing).
func NewStoreWithClock(h *db.Handle, leaseTimeout time.Duration, now func() time.Time) *Store {
	return &Store{db: h, leaseTimeout: leaseTimeout, now: now}
}

// LeaseTimeout is the heartbeat staleness after which a claim is forfeit.
func (s *Store) LeaseTimeout() time.Duration {
	return s.leaseTimeout
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// Seed inserts targets as PLANNED. Group keys already present are left untouched,
// so seeding is idempotent. Returns the number of new rows.
func (s *Store) Seed(ctx context.Context, targets []NewTarget) (int, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin seed transaction")
	}
	defer tx.Rollback()

	now := s.clock()
	inserted := 0
	for _, t := range targets {
		if t.GroupKey == "" {
			return 0, errors.NewInvalidRequestError("target group key is required")
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO targets (group_key, module, seed, status, priority, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (group_key) DO NOTHING`,
			t.GroupKey, t.Module, t.Seed, StatusPlanned, t.Priority, now, now)
		if err != nil {
			return 0, errors.WithDetail(errors.Wrap(err, "failed to seed target"),
				fmt.Sprintf("group_key: %s", t.GroupKey))
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit seed")
	}
	return inserted, nil
}

// ClaimNext atomically reserves the next eligible target for workerID.
//
// Eligible: PLANNED with no pending retry delay, or IN_PROGRESS with a heartbeat
// older than the lease timeout (or none). Ordered by priority, then oldest.
// The selection and the update are one statement. On Postgres the candidate row
// is locked with SKIP LOCKED so concurrent claimers move on instead of blocking;
// SQLite serializes writers, which gives the same at-most-one-holder guarantee.
//
// Returns nil, nil when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context, workerID string, f Filter) (*Target, error) {
	if workerID == "" {
		return nil, errors.NewInvalidRequestError("worker id is required to claim")
	}

	now := s.clock()
	staleBefore := now.Add(-s.leaseTimeout)

	where := []string{`(
		(status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
		OR (status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?))
	)`}
	args := []interface{}{StatusPlanned, now, StatusInProgress, staleBefore}
	setArgs := []interface{}{StatusInProgress, workerID, now, now, now}

	if len(f.GroupKeys) > 0 {
		where = append(where, "group_key IN ("+placeholders(len(f.GroupKeys))+")")
		args = appendStrings(args, f.GroupKeys)
	}
	if len(f.Modules) > 0 {
		where = append(where, "module IN ("+placeholders(len(f.Modules))+")")
		args = appendStrings(args, f.Modules)
	}
	if f.MaxPriority != nil {
		where = append(where, "priority <= ?")
		args = append(args, *f.MaxPriority)
	}

	lock := ""
	if s.db.Dialect == db.Postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := `
		UPDATE targets
		SET status = ?, claimed_by = ?, claimed_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM targets
			WHERE ` + strings.Join(where, " AND ") + `
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1` + lock + `
		)
		RETURNING ` + selectColumns

	t, err := scanTarget(s.db.QueryRowContext(ctx, query, append(setArgs, args...)...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to claim target"),
			fmt.Sprintf("worker: %s", workerID))
	}
	return t, nil
}

// RenewHeartbeat extends workerID's lease on a target.
// Returns ErrNotOwned if the claim was lost (e.g. reclaimed after a stall).
func (s *Store) RenewHeartbeat(ctx context.Context, id int64, workerID string) error {
	now := s.clock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE targets SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		now, now, id, workerID, StatusInProgress)
	if err != nil {
		return errors.Wrapf(err, "failed to renew heartbeat for target %d", id)
	}
	return expectOwned(res, id, workerID)
}

// UpdateProgress records progress counters and renews the lease.
func (s *Store) UpdateProgress(ctx context.Context, id int64, workerID string, current, total int) error {
	now := s.clock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE targets SET progress_current = ?, progress_target = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		current, total, now, now, id, workerID, StatusInProgress)
	if err != nil {
		return errors.Wrapf(err, "failed to update progress for target %d", id)
	}
	return expectOwned(res, id, workerID)
}

// Release ends workerID's claim with the given outcome and clears claim fields.
// Returns ErrNotOwned if workerID no longer holds the claim.
func (s *Store) Release(ctx context.Context, id int64, workerID string, o Outcome) error {
	now := s.clock()

	var (
		query string
		args  []interface{}
	)
	switch o.kind {
	case outcomeDone:
		query = `UPDATE targets
			SET status = ?, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
			    next_retry_at = NULL, last_error = NULL, updated_at = ?
			WHERE id = ? AND claimed_by = ? AND status = ?`
		args = []interface{}{StatusDone, now}
	case outcomeFailed:
		query = `UPDATE targets
			SET status = ?, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
			    next_retry_at = NULL, last_error = ?, updated_at = ?
			WHERE id = ? AND claimed_by = ? AND status = ?`
		args = []interface{}{StatusFailed, o.err, now}
	case outcomeResume:
		query = `UPDATE targets
			SET status = ?, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
			    next_retry_at = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND claimed_by = ? AND status = ?`
		args = []interface{}{StatusPlanned, o.retryAt, o.err, now}
	default:
		query = `UPDATE targets
			SET status = ?, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
			    next_retry_at = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
			WHERE id = ? AND claimed_by = ? AND status = ?`
		args = []interface{}{StatusPlanned, o.retryAt, o.err, now}
	}
	args = append(args, id, workerID, StatusInProgress)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.WithDetail(errors.Wrapf(err, "failed to release target %d", id),
			fmt.Sprintf("outcome: %s", o))
	}
	return expectOwned(res, id, workerID)
}

// RecoverOrphans resets IN_PROGRESS targets whose heartbeat is older than
// timeout (or missing) back to PLANNED and clears their claim fields.
// Idempotent: a second run without intervening claims changes nothing.
func (s *Store) RecoverOrphans(ctx context.Context, timeout time.Duration, scope Scope) (int64, error) {
	now := s.clock()
	cutoff := now.Add(-timeout)

	where := []string{"status = ?", "(heartbeat_at IS NULL OR heartbeat_at < ?)"}
	args := []interface{}{StatusPlanned, "orphaned: heartbeat stale", now, StatusInProgress, cutoff}
	if len(scope.GroupKeys) > 0 {
		where = append(where, "group_key IN ("+placeholders(len(scope.GroupKeys))+")")
		args = appendStrings(args, scope.GroupKeys)
	}
	if scope.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, scope.ClaimedBy)
	}
	if scope.OwnerPrefix != "" {
		where = append(where, "substr(claimed_by, 1, ?) = ?")
		args = append(args, len(scope.OwnerPrefix), scope.OwnerPrefix)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE targets
		SET status = ?, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
		    last_error = ?, updated_at = ?
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned targets")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count recovered targets")
	}
	return n, nil
}

// Get retrieves a target by id.
func (s *Store) Get(ctx context.Context, id int64) (*Target, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM targets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("target %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get target %d", id)
	}
	return t, nil
}

// List returns targets, optionally filtered by status, in claim order.
func (s *Store) List(ctx context.Context, status *Status, limit int) ([]*Target, error) {
	query := `SELECT ` + selectColumns + ` FROM targets`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list targets")
	}
	defer rows.Close()

	var targets []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan target")
		}
		targets = append(targets, t)
	}
	return targets, errors.Wrap(rows.Err(), "failed to iterate targets")
}

// CountByStatus returns the number of targets in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM targets GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count targets")
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan target count")
		}
		counts[st] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate target counts")
}

func expectOwned(res sql.Result, id int64, workerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotOwnedError("target %d is not claimed by %s", id, workerID)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func appendStrings(args []interface{}, values []string) []interface{} {
	for _, v := range values {
		args = append(args, v)
	}
	return args
}
