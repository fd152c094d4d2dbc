package quarantine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
)

// Store persists quarantine entries. Get returns nil, nil for an unknown resource.
type Store interface {
	Get(ctx context.Context, resource string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, resource string) error
	List(ctx context.Context) ([]*Entry, error)
}

// SQLStore keeps entries in the quarantine table.
type SQLStore struct {
	db *db.Handle
}

// NewSQLStore creates a table-backed store.
func NewSQLStore(h *db.Handle) *SQLStore {
	return &SQLStore{db: h}
}

const sqlColumns = `resource, reason, quarantined_until, retry_attempt, recent_errors, updated_at`

func (s *SQLStore) Get(ctx context.Context, resource string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+sqlColumns+` FROM quarantine WHERE resource = ?`, resource))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get quarantine entry for %s", resource)
	}
	return e, nil
}

func (s *SQLStore) Put(ctx context.Context, e *Entry) error {
	events, err := json.Marshal(nonNilEvents(e.RecentErrors))
	if err != nil {
		return errors.Wrap(err, "failed to marshal recent errors")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quarantine (`+sqlColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource) DO UPDATE SET
			reason = excluded.reason,
			quarantined_until = excluded.quarantined_until,
			retry_attempt = excluded.retry_attempt,
			recent_errors = excluded.recent_errors,
			updated_at = excluded.updated_at`,
		e.Resource, string(e.Reason), e.QuarantinedUntil, e.RetryAttempt, string(events), e.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to store quarantine entry for %s", e.Resource)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, resource string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quarantine WHERE resource = ?`, resource); err != nil {
		return errors.Wrapf(err, "failed to delete quarantine entry for %s", resource)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqlColumns+` FROM quarantine ORDER BY resource`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list quarantine entries")
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan quarantine entry")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate quarantine entries")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e      Entry
		until  sql.NullTime
		events string
	)
	if err := row.Scan(&e.Resource, &e.Reason, &until, &e.RetryAttempt, &events, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	if until.Valid {
		t := until.Time.UTC()
		e.QuarantinedUntil = &t
	}
	if err := json.Unmarshal([]byte(events), &e.RecentErrors); err != nil {
		return nil, errors.Wrapf(err, "corrupt recent errors for %s", e.Resource)
	}
	return &e, nil
}

func nonNilEvents(ev []Event) []Event {
	if ev == nil {
		return []Event{}
	}
	return ev
}

// RedisKeyPrefix namespaces quarantine keys.
const RedisKeyPrefix = "forage:quarantine:"

// RedisStore keeps entries as JSON values in Redis, so every worker host sees
// the same quarantine without touching the relational store.
type RedisStore struct {
	client *redis.Client
	// Retention is how long an entry outlives its quarantine or last event.
	Retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, Retention: retention, now: time.Now}
}

func (r *RedisStore) key(resource string) string {
	return RedisKeyPrefix + resource
}

func (r *RedisStore) Get(ctx context.Context, resource string) (*Entry, error) {
	raw, err := r.client.Get(ctx, r.key(resource)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get quarantine entry for %s", resource)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrapf(err, "corrupt quarantine entry for %s", resource)
	}
	return &e, nil
}

func (r *RedisStore) Put(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to marshal quarantine entry")
	}
	if err := r.client.Set(ctx, r.key(e.Resource), raw, r.ttl(e)).Err(); err != nil {
		return errors.Wrapf(err, "failed to store quarantine entry for %s", e.Resource)
	}
	return nil
}

// ttl keeps the entry until Retention after the later of its expiry and now.
// The retry attempt counter must survive the quarantine itself.
func (r *RedisStore) ttl(e *Entry) time.Duration {
	until := r.now()
	if e.QuarantinedUntil != nil && e.QuarantinedUntil.After(until) {
		until = *e.QuarantinedUntil
	}
	return until.Sub(r.now()) + r.Retention
}

func (r *RedisStore) Delete(ctx context.Context, resource string) error {
	if err := r.client.Del(ctx, r.key(resource)).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete quarantine entry for %s", resource)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	iter := r.client.Scan(ctx, 0, RedisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		resource := iter.Val()[len(RedisKeyPrefix):]
		e, err := r.Get(ctx, resource)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan quarantine keys")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}
