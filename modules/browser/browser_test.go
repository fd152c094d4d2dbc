package browser

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/forage/errors"
	testutil "github.com/teranos/forage/internal/testing"
	"github.com/teranos/forage/pulse/quarantine"
	"github.com/teranos/forage/pulse/task"
)

type fakeRenderer struct {
	pages     map[string]*Rendered
	visited   []string
	deadlines []time.Duration
	closed    bool
}

func (f *fakeRenderer) Render(ctx context.Context, raw string) (*Rendered, error) {
	f.visited = append(f.visited, raw)
	if dl, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(dl))
	}
	p, ok := f.pages[raw]
	if !ok {
		return nil, errors.Newf("navigating %s: connection refused", raw)
	}
	return p, nil
}

func (f *fakeRenderer) Close() error {
	f.closed = true
	return nil
}

func mustURL(s string) *url.URL {
	u, _ := url.Parse(s)
	return u
}

func newFake() *fakeRenderer {
	return &fakeRenderer{pages: map[string]*Rendered{
		"https://sonne.example/": {
			URL:    mustURL("https://sonne.example/"),
			Status: 200,
			HTML:   `<html><head><title>Sonne</title></head><body><a href="/menu">Menu</a><a href="tel:030123456">call</a></body></html>`,
		},
		"https://sonne.example/old": {
			URL:    mustURL("https://sonne.example/menu"),
			Status: 200,
			HTML:   `<html><body><a href="/">Home</a></body></html>`,
		},
		"https://sonne.example/gone": {Status: 404},
		"https://sonne.example/slow": {Status: 429},
	}}
}

func openSession(t *testing.T, r Renderer) task.Session {
	t.Helper()
	m := New(func(context.Context) (Renderer, error) { return r, nil }, DefaultConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, m.Validate())
	require.True(t, m.Shared())

	s, err := m.OpenSession(context.Background(), "https://sonne.example/")
	require.NoError(t, err)
	return s
}

func TestSessionRendersUnits(t *testing.T) {
	fake := newFake()
	s := openSession(t, fake)
	ctx := context.Background()

	res, err := s.Run(ctx, task.Unit{Key: "https://sonne.example/"}, task.Unbounded())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://sonne.example/menu"}, res.NewPending)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "sonne.example", res.Candidates[0].NaturalKey)
	assert.Equal(t, Name, res.Candidates[0].Source)
	assert.Equal(t, "030123456", *res.Candidates[0].Fields.Phone)

	res, err = s.Run(ctx, task.Unit{Key: "https://sonne.example/old"}, task.Unbounded())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://sonne.example/"}, res.NewPending, "links resolve against the final location")

	require.NoError(t, s.Close())
	assert.True(t, fake.closed)
	assert.Equal(t, []string{"https://sonne.example/", "https://sonne.example/old"}, fake.visited)
}

func TestSessionHonoursSoftDeadline(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	fake := newFake()
	s := openSession(t, fake)
	deadline := task.NewDeadline(clock.Now, 10*time.Minute, 2*time.Minute)

	clock.Advance(7*time.Minute + 50*time.Second)
	_, err := s.Run(context.Background(), task.Unit{Key: "https://sonne.example/"}, deadline)
	require.NoError(t, err)
	require.Len(t, fake.deadlines, 1)
	assert.LessOrEqual(t, fake.deadlines[0], 10*time.Second, "navigation is capped by the soft deadline")

	clock.Advance(10 * time.Second)
	res, err := s.Run(context.Background(), task.Unit{Key: "https://sonne.example/old"}, deadline)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Len(t, fake.visited, 1, "no page is started after the soft deadline")
}

func TestSessionErrorClasses(t *testing.T) {
	s := openSession(t, newFake())
	ctx := context.Background()

	_, err := s.Run(ctx, task.Unit{Key: "https://sonne.example/gone"}, task.Unbounded())
	require.Error(t, err)
	assert.True(t, task.IsNoRetry(err))

	_, err = s.Run(ctx, task.Unit{Key: "https://sonne.example/slow"}, task.Unbounded())
	code, ok := quarantine.ClassifyError(err)
	require.True(t, ok)
	assert.Equal(t, quarantine.CodeRateLimited, code)

	_, err = s.Run(ctx, task.Unit{Key: "https://sonne.example/down"}, task.Unbounded())
	code, ok = quarantine.ClassifyError(err)
	require.True(t, ok)
	assert.Equal(t, quarantine.CodeConnection, code)
}

func TestOpenFailureIsWrapped(t *testing.T) {
	m := New(func(context.Context) (Renderer, error) { return nil, errors.New("chrome not found") }, DefaultConfig(), nil)
	_, err := m.OpenSession(context.Background(), "https://sonne.example/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start browser")
}
