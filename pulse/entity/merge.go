package entity

import (
	"github.com/teranos/forage/errors"
)

// Policy decides how an incoming non-null value combines with the stored one.
type Policy string

const (
	// FillIfNull writes only when the stored value is null.
	FillIfNull Policy = "fill_if_null"
	// Overwrite replaces the stored value whenever the incoming value is known.
	Overwrite Policy = "overwrite"
	// Max keeps the larger numeric value.
	Max Policy = "max"
	// PreferLonger keeps the longer string.
	PreferLonger Policy = "prefer_longer"
)

// PolicyTable assigns a merge policy to every field.
type PolicyTable map[Field]Policy

// DefaultPolicies is the table promotion uses. Identity and contact fields are
// first-write-wins; rating follows the latest observation.
var DefaultPolicies = PolicyTable{
	FieldName:        FillIfNull,
	FieldWebsite:     FillIfNull,
	FieldEmail:       FillIfNull,
	FieldPhone:       FillIfNull,
	FieldAddress:     FillIfNull,
	FieldCategory:    FillIfNull,
	FieldDescription: PreferLonger,
	FieldRating:      Overwrite,
	FieldReviewCount: Max,
}

// Validate checks every field has a policy that suits its type.
func (t PolicyTable) Validate() error {
	for _, f := range AllFields {
		p, ok := t[f]
		if !ok {
			return errors.Newf("no merge policy for field %s", f)
		}
		numeric := f == FieldRating || f == FieldReviewCount
		switch p {
		case FillIfNull, Overwrite:
		case Max:
			if !numeric {
				return errors.Newf("policy %s needs a numeric field, got %s", p, f)
			}
		case PreferLonger:
			if numeric {
				return errors.Newf("policy %s needs a text field, got %s", p, f)
			}
		default:
			return errors.Newf("unknown merge policy %q for field %s", p, f)
		}
	}
	return nil
}

// Merge combines incoming into existing under the table's policies.
// Null incoming values never change anything. Returns the merged fields and
// the names of fields whose value changed.
func (t PolicyTable) Merge(existing, incoming Fields) (Fields, []Field) {
	out := existing
	var changed []Field

	str := func(f Field, cur **string, in *string) {
		if next, ok := mergeString(t[f], *cur, in); ok {
			*cur = next
			changed = append(changed, f)
		}
	}
	str(FieldName, &out.Name, incoming.Name)
	str(FieldWebsite, &out.Website, incoming.Website)
	str(FieldEmail, &out.Email, incoming.Email)
	str(FieldPhone, &out.Phone, incoming.Phone)
	str(FieldAddress, &out.Address, incoming.Address)
	str(FieldCategory, &out.Category, incoming.Category)
	str(FieldDescription, &out.Description, incoming.Description)

	if next, ok := mergeFloat(t[FieldRating], out.Rating, incoming.Rating); ok {
		out.Rating = next
		changed = append(changed, FieldRating)
	}
	if next, ok := mergeInt(t[FieldReviewCount], out.ReviewCount, incoming.ReviewCount); ok {
		out.ReviewCount = next
		changed = append(changed, FieldReviewCount)
	}
	return out, changed
}

func mergeString(p Policy, cur, in *string) (*string, bool) {
	if in == nil || *in == "" {
		return cur, false
	}
	if cur == nil {
		return in, true
	}
	switch p {
	case Overwrite:
		return in, *in != *cur
	case PreferLonger:
		return in, len(*in) > len(*cur)
	default:
		return cur, false
	}
}

func mergeFloat(p Policy, cur, in *float64) (*float64, bool) {
	if in == nil {
		return cur, false
	}
	if cur == nil {
		return in, true
	}
	switch p {
	case Overwrite:
		return in, *in != *cur
	case Max:
		return in, *in > *cur
	default:
		return cur, false
	}
}

func mergeInt(p Policy, cur, in *int64) (*int64, bool) {
	if in == nil {
		return cur, false
	}
	if cur == nil {
		return in, true
	}
	switch p {
	case Overwrite:
		return in, *in != *cur
	case Max:
		return in, *in > *cur
	default:
		return cur, false
	}
}
