package watchdog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
)

// EventType distinguishes audit log entries.
type EventType string

const (
	EventDetection    EventType = "detection"
	EventAction       EventType = "action"
	EventSuppressed   EventType = "suppressed"
	EventVerification EventType = "verification"
)

// Severity of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one immutable audit log row.
type Event struct {
	ID             int64             `json:"id"`
	Type           EventType         `json:"event_type"`
	Severity       Severity          `json:"severity"`
	Service        string            `json:"target_service,omitempty"`
	WorkerType     string            `json:"target_worker_type,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	Action         string            `json:"action_taken,omitempty"`
	ActionSuccess  *bool             `json:"action_success,omitempty"`
	ActionDuration time.Duration     `json:"action_duration,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// EventStore is the append-only watchdog audit log. There is no update path.
type EventStore struct {
	db  *db.Handle
	now func() time.Time
}

// NewEventStore creates an event store.
func NewEventStore(h *db.Handle) *EventStore {
	return NewEventStoreWithClock(h, time.Now)
}

// NewEventStoreWithClock creates an event store with an injectable clock (for testing).
func NewEventStoreWithClock(h *db.Handle, now func() time.Time) *EventStore {
	return &EventStore{db: h, now: now}
}

// Append writes ev, filling ID and CreatedAt.
func (s *EventStore) Append(ctx context.Context, ev *Event) error {
	if ev.Type == "" {
		return errors.NewInvalidRequestError("event type is required")
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	var details sql.NullString
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return errors.Wrap(err, "failed to encode event details")
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	var success sql.NullBool
	if ev.ActionSuccess != nil {
		success = sql.NullBool{Bool: *ev.ActionSuccess, Valid: true}
	}
	var durationMS sql.NullInt64
	if ev.Action != "" {
		durationMS = sql.NullInt64{Int64: ev.ActionDuration.Milliseconds(), Valid: true}
	}

	ev.CreatedAt = s.now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO watchdog_events (event_type, severity, target_service, target_worker_type,
			details, action_taken, action_success, action_duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		ev.Type, ev.Severity, nullString(ev.Service), nullString(ev.WorkerType),
		details, nullString(ev.Action), success, durationMS, ev.CreatedAt).Scan(&ev.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to append %s event", ev.Type)
	}
	return nil
}

// Recent returns the newest events first. An empty type returns all types.
func (s *EventStore) Recent(ctx context.Context, typ EventType, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, event_type, severity, target_service, target_worker_type, details,
		action_taken, action_success, action_duration_ms, created_at FROM watchdog_events`
	var args []interface{}
	if typ != "" {
		query += ` WHERE event_type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query watchdog events")
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev                           Event
			service, workerType, details sql.NullString
			action                       sql.NullString
			success                      sql.NullBool
			durationMS                   sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Severity, &service, &workerType, &details,
			&action, &success, &durationMS, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan watchdog event")
		}
		ev.Service = service.String
		ev.WorkerType = workerType.String
		ev.Action = action.String
		ev.CreatedAt = ev.CreatedAt.UTC()
		if success.Valid {
			ev.ActionSuccess = &success.Bool
		}
		ev.ActionDuration = time.Duration(durationMS.Int64) * time.Millisecond
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, errors.Wrapf(err, "corrupt details for watchdog event %d", ev.ID)
			}
		}
		out = append(out, &ev)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate watchdog events")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
