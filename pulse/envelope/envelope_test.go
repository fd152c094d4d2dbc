package envelope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/forage/errors"
	testutil "github.com/teranos/forage/internal/testing"
	"github.com/teranos/forage/pulse/task"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRunner(t *testing.T, cfg Config) (*Runner, *Tracker, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(t0)
	tracker := NewTrackerWithClock(testutil.CreateTestDB(t), clock.Now)
	return NewRunnerWithClock(tracker, cfg, zaptest.NewLogger(t).Sugar(), clock.Now), tracker, clock
}

func latest(t *testing.T, tracker *Tracker) *Record {
	t.Helper()
	recs, err := tracker.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestRunRecordsCompletion(t *testing.T) {
	r, tracker, _ := newTestRunner(t, Config{PoolSize: 2, HardTimeout: time.Minute, SafetyMargin: 10 * time.Second})

	var got task.Deadline
	res, err := r.Run(context.Background(), Spec{UnitKey: "https://a.com/", Module: "linkcrawl", Worker: "w1"},
		func(ctx context.Context, d task.Deadline) (*task.Result, error) {
			got = d
			return &task.Result{RecordsCreated: 2, RecordsUpdated: 1, Metadata: map[string]string{"links": "14"}}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsCreated)
	assert.Equal(t, time.Minute, got.Hard)
	assert.Equal(t, 10*time.Second, got.Margin)

	rec := latest(t, tracker)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "https://a.com/", rec.UnitKey)
	assert.Equal(t, RunUnit, rec.RunType)
	assert.Equal(t, "w1", rec.Worker)
	assert.Equal(t, 2, rec.RecordsCreated)
	assert.Equal(t, 1, rec.RecordsUpdated)
	assert.Equal(t, "14", rec.Metadata["links"])
	assert.Equal(t, t0.Add(2*time.Minute), rec.StaleAfter)
	assert.NotNil(t, rec.CompletedAt)
	assert.Zero(t, r.InUse())
}

func TestRunAbandonsWorkAfterHardTimeout(t *testing.T) {
	r, tracker, _ := newTestRunner(t, Config{PoolSize: 1, HardTimeout: 50 * time.Millisecond, SafetyMargin: 10 * time.Millisecond})

	release := make(chan struct{})
	finished := make(chan struct{})
	start := time.Now()
	_, err := r.Run(context.Background(), Spec{UnitKey: "u", Module: "browser", RunType: RunSession},
		func(ctx context.Context, d task.Deadline) (*task.Result, error) {
			defer close(finished)
			<-release // ignores ctx on purpose
			return &task.Result{}, nil
		})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHardTimeout))
	assert.True(t, errors.IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	rec := latest(t, tracker)
	assert.Equal(t, StatusTimeout, rec.Status)
	assert.Equal(t, RunSession, rec.RunType)
	assert.Contains(t, rec.ErrorMessage, "hard timeout")

	assert.Equal(t, 1, r.InUse(), "abandoned work still holds its slot")
	close(release)
	<-finished
	require.Eventually(t, func() bool { return r.InUse() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunRecoversPanics(t *testing.T) {
	r, tracker, _ := newTestRunner(t, Config{PoolSize: 1, HardTimeout: time.Second})

	_, err := r.Run(context.Background(), Spec{UnitKey: "u", Module: "m"},
		func(ctx context.Context, d task.Deadline) (*task.Result, error) {
			panic("selector exploded")
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector exploded")

	rec := latest(t, tracker)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "panic in m")
	require.Eventually(t, func() bool { return r.InUse() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunRecordsFailure(t *testing.T) {
	r, tracker, _ := newTestRunner(t, Config{PoolSize: 1, HardTimeout: time.Second})

	_, err := r.Run(context.Background(), Spec{UnitKey: "u", Module: "m", RetryCount: 2},
		func(ctx context.Context, d task.Deadline) (*task.Result, error) {
			return nil, errors.New("503 from upstream")
		})
	require.Error(t, err)

	rec := latest(t, tracker)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "503 from upstream", rec.ErrorMessage)
	assert.Equal(t, 2, rec.RetryCount)
}

func TestRunWaitsForSlot(t *testing.T) {
	r, _, _ := newTestRunner(t, Config{PoolSize: 1, HardTimeout: time.Second})

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = r.Run(context.Background(), Spec{UnitKey: "first", Module: "m"},
			func(ctx context.Context, d task.Deadline) (*task.Result, error) {
				close(started)
				<-block
				return nil, nil
			})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, Spec{UnitKey: "second", Module: "m"},
		func(ctx context.Context, d task.Deadline) (*task.Result, error) {
			t.Error("second execution must not start while the pool is full")
			return nil, nil
		})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	close(block)
}

func TestSweepStuckFailsOnlyStaleRunningRows(t *testing.T) {
	clock := testutil.NewClock(t0)
	tracker := NewTrackerWithClock(testutil.CreateTestDB(t), clock.Now)
	ctx := context.Background()

	stuck, err := tracker.Start(ctx, Spec{UnitKey: "stuck", Module: "m"}, time.Minute)
	require.NoError(t, err)
	done, err := tracker.Start(ctx, Spec{UnitKey: "done", Module: "m"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, tracker.Complete(ctx, done.TrackingID, nil, time.Second))

	clock.Advance(90 * time.Second)
	fresh, err := tracker.Start(ctx, Spec{UnitKey: "fresh", Module: "m"}, time.Minute)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	n, err := tracker.SweepStuck(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec, err := tracker.Get(ctx, stuck.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, StuckMessage, rec.ErrorMessage)

	rec, err = tracker.Get(ctx, fresh.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)

	rec, err = tracker.Get(ctx, done.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	// A finished row is never rewritten.
	err = tracker.Fail(ctx, stuck.TrackingID, StatusFailed, errors.New("late"), time.Second)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	n, err = tracker.SweepStuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrackerGetMissing(t *testing.T) {
	tracker := NewTracker(testutil.CreateTestDB(t))
	_, err := tracker.Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))
}
