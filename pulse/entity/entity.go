// Package entity defines the canonical record shape and the per-field policy
// used when a staged candidate is merged into an existing canonical record.
package entity

import "time"

// Fields is the typed payload of a staged or canonical record.
// A nil field is unknown and never overwrites a known value.
type Fields struct {
	Name        *string  `json:"name,omitempty"`
	Website     *string  `json:"website,omitempty"`
	Email       *string  `json:"email,omitempty"`
	Phone       *string  `json:"phone,omitempty"`
	Address     *string  `json:"address,omitempty"`
	Category    *string  `json:"category,omitempty"`
	Description *string  `json:"description,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
	ReviewCount *int64   `json:"review_count,omitempty"`
}

// Canonical is a promoted record in the entities table.
type Canonical struct {
	ID         int64
	NaturalKey string
	Fields
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Field names a mergeable column.
type Field string

const (
	FieldName        Field = "name"
	FieldWebsite     Field = "website"
	FieldEmail       Field = "email"
	FieldPhone       Field = "phone"
	FieldAddress     Field = "address"
	FieldCategory    Field = "category"
	FieldDescription Field = "description"
	FieldRating      Field = "rating"
	FieldReviewCount Field = "review_count"
)

// AllFields lists every mergeable column in storage order.
var AllFields = []Field{
	FieldName, FieldWebsite, FieldEmail, FieldPhone, FieldAddress,
	FieldCategory, FieldDescription, FieldRating, FieldReviewCount,
}

// IsEmpty reports whether no field is known.
func (f Fields) IsEmpty() bool {
	return f.Name == nil && f.Website == nil && f.Email == nil && f.Phone == nil &&
		f.Address == nil && f.Category == nil && f.Description == nil &&
		f.Rating == nil && f.ReviewCount == nil
}

// Value returns a pointer to v for building Fields literals.
func Value[T any](v T) *T {
	return &v
}
