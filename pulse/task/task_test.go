package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/forage/pulse/entity"
)

func noop(context.Context, Unit, Deadline) (*Result, error) { return &Result{}, nil }

func TestDiscoveredMerge(t *testing.T) {
	d := Discovered{Keys: []string{"a.com"}}

	added := d.Merge(Discovered{
		Keys:       []string{"b.com", "a.com", "", "c.com", "b.com"},
		Attributes: map[string]string{"city": "Berlin"},
	})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"a.com", "b.com", "c.com"}, d.Keys)

	d.Merge(Discovered{Attributes: map[string]string{"city": "Hamburg", "country": "DE"}})
	assert.Equal(t, "Berlin", d.Attributes["city"], "first value wins")
	assert.Equal(t, "DE", d.Attributes["country"])
}

func TestResultAdd(t *testing.T) {
	r := &Result{RecordsCreated: 1, NewPending: []string{"/a"}}
	r.Add(&Result{
		RecordsCreated: 2,
		RecordsUpdated: 1,
		NewPending:     []string{"/b"},
		Candidates:     []Candidate{{NaturalKey: "acme.com", Fields: entity.Fields{Name: entity.Value("Acme")}}},
		Partial:        true,
		Metadata:       map[string]string{"pages": "3"},
	})
	r.Add(nil)

	assert.Equal(t, 3, r.RecordsCreated)
	assert.Equal(t, 1, r.RecordsUpdated)
	assert.Equal(t, []string{"/a", "/b"}, r.NewPending)
	assert.Len(t, r.Candidates, 1)
	assert.True(t, r.Partial)
	assert.Equal(t, "3", r.Metadata["pages"])
}

func TestDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	d := NewDeadline(clock, 10*time.Minute, time.Minute)
	assert.False(t, d.Expired())
	assert.Equal(t, 9*time.Minute, d.Remaining())

	now = now.Add(8*time.Minute + 59*time.Second)
	assert.False(t, d.Expired())

	now = now.Add(time.Second)
	assert.True(t, d.Expired(), "soft deadline is hard minus margin")

	assert.False(t, Unbounded().Expired())
	assert.Greater(t, Unbounded().Remaining(), 24*time.Hour)
}

func TestModuleValidate(t *testing.T) {
	assert.NoError(t, (&Module{Name: "linkcrawl", Run: noop}).Validate())
	assert.Error(t, (&Module{Run: noop}).Validate())
	assert.Error(t, (&Module{Name: "none"}).Validate())
	assert.Error(t, (&Module{Name: "both", Run: noop, OpenSession: func(context.Context, string) (Session, error) {
		return nil, nil
	}}).Validate())
	assert.Error(t, (&Module{Name: "margin", Run: noop, HardTimeout: time.Second, SafetyMargin: time.Second}).Validate())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&Module{Name: "linkcrawl", Run: noop})
	r.Register(&Module{Name: "api", Run: noop})

	assert.Equal(t, []string{"api", "linkcrawl"}, r.Names())
	require.NotNil(t, r.Get("api"))
	assert.Nil(t, r.Get("missing"))

	assert.Panics(t, func() { r.Register(&Module{Name: "api", Run: noop}) })
	assert.Panics(t, func() { r.Register(&Module{Name: "broken"}) })
}

func TestNoRetry(t *testing.T) {
	base := fmt.Errorf("404 not found")
	err := fmt.Errorf("fetch: %w", NoRetry(base))

	assert.True(t, IsNoRetry(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsNoRetry(base))
	assert.Nil(t, NoRetry(nil))
}
