package target

import (
	"database/sql"
	"time"
)

// selectColumns is the column list every target query returns, in scan order.
const selectColumns = `id, group_key, module, seed, status, priority,
	claimed_by, claimed_at, heartbeat_at,
	progress_current, progress_target,
	next_retry_at, retry_count, last_error,
	created_at, updated_at`

// scanArgs holds the nullable columns of a target row.
type scanArgs struct {
	ClaimedBy   sql.NullString
	ClaimedAt   sql.NullTime
	HeartbeatAt sql.NullTime
	NextRetryAt sql.NullTime
	LastError   sql.NullString
}

func scanTargets(t *Target, a *scanArgs) []interface{} {
	return []interface{}{
		&t.ID,
		&t.GroupKey,
		&t.Module,
		&t.Seed,
		&t.Status,
		&t.Priority,
		&a.ClaimedBy,
		&a.ClaimedAt,
		&a.HeartbeatAt,
		&t.ProgressCurrent,
		&t.ProgressTarget,
		&a.NextRetryAt,
		&t.RetryCount,
		&a.LastError,
		&t.CreatedAt,
		&t.UpdatedAt,
	}
}

func (a *scanArgs) apply(t *Target) {
	t.ClaimedBy = a.ClaimedBy.String
	t.LastError = a.LastError.String
	t.ClaimedAt = timePtr(a.ClaimedAt)
	t.HeartbeatAt = timePtr(a.HeartbeatAt)
	t.NextRetryAt = timePtr(a.NextRetryAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTarget(row rowScanner) (*Target, error) {
	var t Target
	var a scanArgs
	if err := row.Scan(scanTargets(&t, &a)...); err != nil {
		return nil, err
	}
	a.apply(&t)
	return &t, nil
}
