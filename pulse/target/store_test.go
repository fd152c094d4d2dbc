package target

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
	testutil "github.com/teranos/forage/internal/testing"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(t0)
	return NewStoreWithClock(testutil.CreateTestDB(t), 5*time.Minute, clock.Now), clock
}

func seed(t *testing.T, s *Store, targets ...NewTarget) {
	t.Helper()
	_, err := s.Seed(context.Background(), targets)
	require.NoError(t, err)
}

func TestSeedIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.Seed(ctx, []NewTarget{
		{GroupKey: "berlin:bakery", Module: "linkcrawl", Seed: "https://example.com/berlin"},
		{GroupKey: "hamburg:bakery", Module: "linkcrawl"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Seed(ctx, []NewTarget{{GroupKey: "berlin:bakery", Priority: 1}})
	require.NoError(t, err)
	assert.Zero(t, n)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPlanned])
	assert.Zero(t, counts[StatusDone])

	_, err = s.Seed(ctx, []NewTarget{{}})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestClaimOrder(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	seed(t, s, NewTarget{GroupKey: "low", Priority: 10})
	clock.Advance(time.Second)
	seed(t, s, NewTarget{GroupKey: "high-newer", Priority: 1})
	clock.Advance(time.Second)
	seed(t, s, NewTarget{GroupKey: "high-newest", Priority: 1})

	var order []string
	for {
		tgt, err := s.ClaimNext(ctx, "worker-1", Filter{})
		require.NoError(t, err)
		if tgt == nil {
			break
		}
		order = append(order, tgt.GroupKey)
		assert.Equal(t, StatusInProgress, tgt.Status)
		assert.Equal(t, "worker-1", tgt.ClaimedBy)
		require.NotNil(t, tgt.HeartbeatAt)
		require.NotNil(t, tgt.ClaimedAt)
	}
	assert.Equal(t, []string{"high-newer", "high-newest", "low"}, order)
}

func TestClaimFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, s,
		NewTarget{GroupKey: "a", Module: "linkcrawl", Priority: 5},
		NewTarget{GroupKey: "b", Module: "browser", Priority: 1},
	)

	tgt, err := s.ClaimNext(ctx, "w", Filter{Modules: []string{"linkcrawl"}})
	require.NoError(t, err)
	require.NotNil(t, tgt)
	assert.Equal(t, "a", tgt.GroupKey)

	maxPriority := 0
	tgt, err = s.ClaimNext(ctx, "w", Filter{MaxPriority: &maxPriority})
	require.NoError(t, err)
	assert.Nil(t, tgt)

	tgt, err = s.ClaimNext(ctx, "w", Filter{GroupKeys: []string{"b", "zzz"}})
	require.NoError(t, err)
	require.NotNil(t, tgt)
	assert.Equal(t, "b", tgt.GroupKey)
}

func TestClaimNextRequiresWorker(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.ClaimNext(context.Background(), "", Filter{})
	assert.Error(t, err)
}

// At most one worker ever holds a target, however many race for it.
func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var batch []NewTarget
	for i := 0; i < 30; i++ {
		batch = append(batch, NewTarget{GroupKey: fmt.Sprintf("group-%02d", i)})
	}
	seed(t, s, batch...)

	var (
		mu      sync.Mutex
		holders = make(map[int64]string)
		wg      sync.WaitGroup
		errs    = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				tgt, err := s.ClaimNext(ctx, worker, Filter{})
				if err != nil {
					errs <- err
					return
				}
				if tgt == nil {
					return
				}
				mu.Lock()
				if prev, ok := holders[tgt.ID]; ok {
					mu.Unlock()
					errs <- fmt.Errorf("target %d claimed by %s and %s", tgt.ID, prev, worker)
					return
				}
				holders[tgt.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, holders, 30)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, counts[StatusInProgress])
}

func TestHeartbeatKeepsLease(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, NewTarget{GroupKey: "berlin:bakery"})

	tgt, err := s.ClaimNext(ctx, "worker-1", Filter{})
	require.NoError(t, err)
	require.NotNil(t, tgt)

	clock.Advance(4 * time.Minute)
	require.NoError(t, s.RenewHeartbeat(ctx, tgt.ID, "worker-1"))
	clock.Advance(4 * time.Minute)

	// renewed 4 minutes ago, lease is 5 minutes
	stolen, err := s.ClaimNext(ctx, "worker-2", Filter{})
	require.NoError(t, err)
	assert.Nil(t, stolen)

	clock.Advance(2 * time.Minute)
	stolen, err = s.ClaimNext(ctx, "worker-2", Filter{})
	require.NoError(t, err)
	require.NotNil(t, stolen, "stale claim becomes claimable")
	assert.Equal(t, "worker-2", stolen.ClaimedBy)

	err = s.RenewHeartbeat(ctx, tgt.ID, "worker-1")
	assert.True(t, errors.IsNotOwned(err), "original holder lost the claim")
}

func TestResumeKeepsRetryCount(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, NewTarget{GroupKey: "big-site"})

	tgt, err := s.ClaimNext(ctx, "worker-1", Filter{})
	require.NoError(t, err)
	require.NotNil(t, tgt)
	require.NoError(t, s.Release(ctx, tgt.ID, "worker-1", Retry(clock.Now(), errors.New("status 503"))))

	for i := 0; i < 8; i++ {
		tgt, err = s.ClaimNext(ctx, "worker-1", Filter{})
		require.NoError(t, err)
		require.NotNil(t, tgt, "resumed target is claimable right away")
		require.NoError(t, s.Release(ctx, tgt.ID, "worker-1", Resume(clock.Now(), nil)))
	}

	got, err := s.Get(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ClaimedBy)
	assert.Empty(t, got.LastError)
	assert.Equal(t, "resume", Resume(clock.Now(), nil).String())
}

func TestRelease(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, NewTarget{GroupKey: "done"}, NewTarget{GroupKey: "failed"}, NewTarget{GroupKey: "retry"})

	claim := func() *Target {
		tgt, err := s.ClaimNext(ctx, "worker-1", Filter{})
		require.NoError(t, err)
		require.NotNil(t, tgt)
		return tgt
	}

	a, b, c := claim(), claim(), claim()

	require.NoError(t, s.Release(ctx, a.ID, "worker-1", Done()))
	require.NoError(t, s.Release(ctx, b.ID, "worker-1", Failed(errors.New("blocked"))))
	retryAt := t0.Add(time.Hour)
	require.NoError(t, s.Release(ctx, c.ID, "worker-1", Retry(retryAt, errors.New("timeout"))))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.HeartbeatAt)

	got, err = s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "blocked", got.LastError)

	got, err = s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, retryAt.Equal(*got.NextRetryAt))

	// not due yet
	tgt, err := s.ClaimNext(ctx, "worker-2", Filter{})
	require.NoError(t, err)
	assert.Nil(t, tgt)

	clock.Advance(time.Hour)
	tgt, err = s.ClaimNext(ctx, "worker-2", Filter{})
	require.NoError(t, err)
	require.NotNil(t, tgt)
	assert.Equal(t, c.ID, tgt.ID)

	err = s.Release(ctx, tgt.ID, "worker-1", Done())
	assert.True(t, errors.IsNotOwned(err))
}

func TestUpdateProgress(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, NewTarget{GroupKey: "g"})

	tgt, err := s.ClaimNext(ctx, "w", Filter{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, s.UpdateProgress(ctx, tgt.ID, "w", 3, 10))

	got, err := s.Get(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ProgressCurrent)
	assert.Equal(t, 10, got.ProgressTarget)
	assert.True(t, got.HeartbeatAt.Equal(t0.Add(time.Minute)))

	assert.True(t, errors.IsNotOwned(s.UpdateProgress(ctx, tgt.ID, "other", 1, 1)))
}

// Claimed at t=0, never renewed, recovered at t=6min with a 5 minute timeout.
func TestRecoverOrphans_StaleHeartbeat(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, NewTarget{GroupKey: "berlin:bakery"})

	tgt, err := s.ClaimNext(ctx, "worker-crashed", Filter{})
	require.NoError(t, err)
	require.NotNil(t, tgt)

	clock.Advance(4 * time.Minute)
	n, err := s.RecoverOrphans(ctx, 5*time.Minute, Scope{})
	require.NoError(t, err)
	assert.Zero(t, n, "heartbeat still fresh")

	clock.Advance(2 * time.Minute)
	n, err = s.RecoverOrphans(ctx, 5*time.Minute, Scope{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)
	assert.Nil(t, got.HeartbeatAt)

	n, err = s.RecoverOrphans(ctx, 5*time.Minute, Scope{})
	require.NoError(t, err)
	assert.Zero(t, n, "second run changes nothing")
}

func TestRecoverOrphans_NullHeartbeatIsImmediatelyOrphaned(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, s, NewTarget{GroupKey: "g"})

	// a row left IN_PROGRESS without a heartbeat by an older writer
	_, err := s.db.ExecContext(ctx, `UPDATE targets SET status = ?, claimed_by = ?`, StatusInProgress, "ghost")
	require.NoError(t, err)

	n, err := s.RecoverOrphans(ctx, time.Hour, Scope{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRecoverOrphans_Scope(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, NewTarget{GroupKey: "a"}, NewTarget{GroupKey: "b"}, NewTarget{GroupKey: "c"})

	for _, w := range []string{"w1", "w2", "w1"} {
		tgt, err := s.ClaimNext(ctx, w, Filter{})
		require.NoError(t, err)
		require.NotNil(t, tgt)
	}
	clock.Advance(time.Second)

	// restarted worker reclaims its own previous claims immediately
	n, err := s.RecoverOrphans(ctx, 0, Scope{ClaimedBy: "w1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	clock.Advance(10 * time.Minute)
	n, err = s.RecoverOrphans(ctx, 5*time.Minute, Scope{GroupKeys: []string{"a", "c"}})
	require.NoError(t, err)
	assert.Zero(t, n, "b is outside the scope")
}

func TestRecoverOrphans_OwnerPrefix(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, NewTarget{GroupKey: "a"}, NewTarget{GroupKey: "b"}, NewTarget{GroupKey: "c"})

	for _, w := range []string{"crawler-box/0", "crawler-box/1", "crawler-box2/0"} {
		tgt, err := s.ClaimNext(ctx, w, Filter{})
		require.NoError(t, err)
		require.NotNil(t, tgt)
	}
	clock.Advance(time.Second)

	n, err := s.RecoverOrphans(ctx, 0, Scope{OwnerPrefix: "crawler-box/"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	c, err := s.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, c.Status)
	assert.Equal(t, "crawler-box2/0", c.ClaimedBy)
}

func TestListAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, s, NewTarget{GroupKey: "a"}, NewTarget{GroupKey: "b"})

	_, err := s.ClaimNext(ctx, "w", Filter{})
	require.NoError(t, err)

	planned := StatusPlanned
	list, err := s.List(ctx, &planned, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].GroupKey)

	all, err := s.List(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.Get(ctx, 999)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreErrorsCarryContext(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	s := NewStoreWithClock(db.Wrap(sqlDB, db.SQLite), time.Minute, func() time.Time { return t0 })

	mock.ExpectExec("UPDATE targets").WillReturnError(fmt.Errorf("disk I/O error"))
	err = s.Release(context.Background(), 7, "w", Done())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to release target 7")
	assert.Contains(t, errors.FlattenDetails(err), "outcome: done")

	mock.ExpectExec("UPDATE targets").WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.RenewHeartbeat(context.Background(), 7, "w")
	assert.True(t, errors.IsNotOwned(err))

	mock.ExpectQuery("UPDATE targets").WillReturnError(fmt.Errorf("database is locked"))
	_, err = s.ClaimNext(context.Background(), "w", Filter{})
	require.Error(t, err)
	assert.Contains(t, errors.FlattenDetails(err), "worker: w")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimUsesSkipLocked(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	s := NewStoreWithClock(db.Wrap(sqlDB, db.Postgres), time.Minute, func() time.Time { return t0 })

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	tgt, err := s.ClaimNext(context.Background(), "w", Filter{GroupKeys: []string{"a"}})
	require.NoError(t, err)
	assert.Nil(t, tgt)
	require.NoError(t, mock.ExpectationsWereMet())
}
