package staging

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/entity"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r           Record
		payload     string
		nextRetryAt sql.NullTime
		lastError   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.NaturalKey, &r.Resource, &r.Source, &payload, &r.Processed,
		&r.RetryCount, &nextRetryAt, &lastError, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastError = lastError.String
	if nextRetryAt.Valid {
		t := nextRetryAt.Time.UTC()
		r.NextRetryAt = &t
	}
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return nil, errors.Wrapf(err, "corrupt payload for staging record %d", r.ID)
	}
	return &r, nil
}

// scanCanonical scans nullable columns straight into the pointer fields.
func scanCanonical(row rowScanner) (*entity.Canonical, error) {
	var c entity.Canonical
	f := &c.Fields
	if err := row.Scan(&c.ID, &c.NaturalKey, &f.Name, &f.Website, &f.Email, &f.Phone, &f.Address,
		&f.Category, &f.Description, &f.Rating, &f.ReviewCount, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}
