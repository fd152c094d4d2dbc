package async

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
	fortest "github.com/teranos/forage/internal/testing"
	"github.com/teranos/forage/pulse/cursor"
	"github.com/teranos/forage/pulse/entity"
	"github.com/teranos/forage/pulse/envelope"
	"github.com/teranos/forage/pulse/heartbeat"
	"github.com/teranos/forage/pulse/metrics"
	"github.com/teranos/forage/pulse/quarantine"
	"github.com/teranos/forage/pulse/schedule"
	"github.com/teranos/forage/pulse/staging"
	"github.com/teranos/forage/pulse/target"
	"github.com/teranos/forage/pulse/task"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	h       *db.Handle
	clock   *fortest.Clock
	deps    Deps
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := fortest.CreateTestDB(t)
	clock := fortest.NewClock(t0)
	log := zaptest.NewLogger(t).Sugar()
	m := metrics.New()
	tracker := envelope.NewTrackerWithClock(h, clock.Now)

	return &harness{
		t:       t,
		h:       h,
		clock:   clock,
		metrics: m,
		deps: Deps{
			Targets:  target.NewStoreWithClock(h, 5*time.Minute, clock.Now),
			Cursors:  cursor.NewStoreWithClock(h, cursor.Limits{MaxQueueSize: 100, MaxVisited: 1000, ErrorThreshold: 10, UnitAttempts: 3}, clock.Now),
			Envelope: envelope.NewRunnerWithClock(tracker, envelope.Config{PoolSize: 4, HardTimeout: 10 * time.Minute, SafetyMargin: time.Minute}, log, clock.Now),
			Modules:  task.NewRegistry(),
			Tracker:  tracker,
			Staging:  staging.NewStoreWithClock(h, staging.DefaultConfig(), clock.Now),
			Breaker:  quarantine.NewBreakerWithClock(quarantine.NewSQLStore(h), quarantine.DefaultPolicy(), log, clock.Now),
			Metrics:  m,
		},
	}
}

func (hs *harness) seed(groupKey, module, seed string) int64 {
	hs.t.Helper()
	_, err := hs.deps.Targets.Seed(context.Background(), []target.NewTarget{{GroupKey: groupKey, Module: module, Seed: seed}})
	require.NoError(hs.t, err)
	list, err := hs.deps.Targets.List(context.Background(), nil, 100)
	require.NoError(hs.t, err)
	for _, tg := range list {
		if tg.GroupKey == groupKey {
			return tg.ID
		}
	}
	hs.t.Fatalf("seeded target %s not found", groupKey)
	return 0
}

func (hs *harness) pool(cfg WorkerPoolConfig) *WorkerPool {
	hs.t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Name == "" {
		cfg.Name = "crawler"
	}
	wp, err := NewWorkerPoolWithClock(context.Background(), hs.deps, cfg, zaptest.NewLogger(hs.t).Sugar(), hs.clock.Now)
	require.NoError(hs.t, err)
	return wp
}

func (hs *harness) get(id int64) *target.Target {
	hs.t.Helper()
	tg, err := hs.deps.Targets.Get(context.Background(), id)
	require.NoError(hs.t, err)
	return tg
}

// runToCompletion starts wp and waits for its workers to exit on their own.
func runToCompletion(t *testing.T, wp *WorkerPool) {
	t.Helper()
	require.NoError(t, wp.Start())
	select {
	case <-wp.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("workers did not exit")
	}
	wp.Stop(nil)
}

// linkModule serves a fixed link graph, one envelope per page.
func linkModule(graph map[string][]string, calls *atomic.Int32) *task.Module {
	return &task.Module{
		Name: "linkcrawl",
		Run: func(ctx context.Context, u task.Unit, d task.Deadline) (*task.Result, error) {
			calls.Add(1)
			name := "Bakery " + u.Key
			return &task.Result{
				NewPending:     graph[u.Key],
				RecordsCreated: 1,
				Candidates: []task.Candidate{{
					NaturalKey: u.Key,
					Resource:   "example.com",
					Source:     "linkcrawl",
					Fields:     entity.Fields{Name: &name},
				}},
			}, nil
		},
	}
}

// chainSession walks example.com/p/0..n, advancing clock by step per page.
type chainSession struct {
	clock *fortest.Clock
	step  time.Duration
	n     int
	block bool
}

func (s *chainSession) Run(ctx context.Context, u task.Unit, d task.Deadline) (*task.Result, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.clock.Advance(s.step)
	var i int
	if _, err := fmt.Sscanf(u.Key, "https://example.com/p/%d", &i); err != nil {
		return nil, task.NoRetry(err)
	}
	res := &task.Result{RecordsCreated: 1}
	if i+1 < s.n {
		res.NewPending = []string{fmt.Sprintf("https://example.com/p/%d", i+1)}
	}
	return res, nil
}

func (s *chainSession) Close() error { return nil }

func TestPerUnitTargetRunsToDone(t *testing.T) {
	hs := newHarness(t)
	var calls atomic.Int32
	hs.deps.Modules.Register(linkModule(map[string][]string{
		"https://example.com/":  {"https://example.com/a", "https://example.com/b"},
		"https://example.com/a": {"https://example.com/b"},
	}, &calls))
	id := hs.seed("berlin:bakery", "linkcrawl", "https://example.com/")

	runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true}))

	tg := hs.get(id)
	assert.Equal(t, target.StatusDone, tg.Status)
	assert.Empty(t, tg.ClaimedBy)
	assert.Equal(t, 3, tg.ProgressCurrent)
	assert.Equal(t, int32(3), calls.Load())

	counts, err := hs.deps.Staging.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Ready, "every page's candidate is staged")

	assert.Equal(t, 1.0, testutil.ToFloat64(hs.metrics.Releases.WithLabelValues("done")))
	assert.Equal(t, 3.0, testutil.ToFloat64(hs.metrics.Units.WithLabelValues("linkcrawl", "ok")))

	recent, err := hs.deps.Tracker.CountByStatus(context.Background(), t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, recent[envelope.StatusCompleted], "one tracked execution per unit")
}

func TestLimitStopsAfterNClaims(t *testing.T) {
	hs := newHarness(t)
	var calls atomic.Int32
	hs.deps.Modules.Register(linkModule(nil, &calls))
	for _, g := range []string{"a", "b", "c"} {
		hs.seed(g, "linkcrawl", "https://"+g+".example.com/")
	}

	wp := hs.pool(WorkerPoolConfig{Workers: 1, Limit: 2})
	runToCompletion(t, wp)

	counts, err := hs.deps.Targets.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[target.StatusDone])
	assert.Equal(t, 1, counts[target.StatusPlanned])
	assert.Equal(t, 2, wp.Stats().Claimed)
}

func TestTestModeClaimsOncePerWorker(t *testing.T) {
	hs := newHarness(t)
	var calls atomic.Int32
	hs.deps.Modules.Register(linkModule(nil, &calls))
	for _, g := range []string{"a", "b", "c"} {
		hs.seed(g, "linkcrawl", "https://"+g+".example.com/")
	}

	runToCompletion(t, hs.pool(WorkerPoolConfig{Workers: 2, Test: true}))

	counts, err := hs.deps.Targets.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[target.StatusDone])
	assert.Equal(t, 1, counts[target.StatusPlanned])
}

func TestUnknownModuleFailsTarget(t *testing.T) {
	hs := newHarness(t)
	id := hs.seed("berlin:bakery", "missing", "https://example.com/")

	runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true}))

	tg := hs.get(id)
	assert.Equal(t, target.StatusFailed, tg.Status)
	assert.Contains(t, tg.LastError, `unknown module "missing"`)
}

func TestSoftDeadlineReleasesWithProgress(t *testing.T) {
	hs := newHarness(t)
	sess := &chainSession{clock: hs.clock, step: time.Minute, n: 20}
	hs.deps.Modules.Register(&task.Module{
		Name:         "browser",
		HardTimeout:  10 * time.Minute,
		SafetyMargin: 2 * time.Minute,
		OpenSession: func(ctx context.Context, seed string) (task.Session, error) {
			return sess, nil
		},
	})
	id := hs.seed("example.com", "browser", "https://example.com/p/0")

	runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true}))

	tg := hs.get(id)
	assert.Equal(t, target.StatusPlanned, tg.Status, "partial run goes back to the queue")
	assert.Equal(t, 8, tg.ProgressCurrent, "soft deadline at hard minus margin")
	assert.Zero(t, tg.RetryCount, "a checkpointed slice is not a failed attempt")
	require.NotNil(t, tg.NextRetryAt)
	assert.Equal(t, t0.Add(8*time.Minute), *tg.NextRetryAt)

	cur, err := hs.deps.Cursors.Get(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 8, cur.UnitsProcessed)
	assert.Equal(t, []string{"https://example.com/p/8"}, cur.Pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.metrics.Timeouts.WithLabelValues("browser", "soft")))
}

func TestSoftDeadlineSlicesDoNotUseUpRetries(t *testing.T) {
	hs := newHarness(t)
	sess := &chainSession{clock: hs.clock, step: time.Minute, n: 100}
	var opens atomic.Int32
	hs.deps.Modules.Register(&task.Module{
		Name:         "browser",
		HardTimeout:  10 * time.Minute,
		SafetyMargin: 2 * time.Minute,
		OpenSession: func(ctx context.Context, seed string) (task.Session, error) {
			if opens.Add(1) > 6 {
				return nil, errors.New("browser crashed")
			}
			return sess, nil
		},
	})
	id := hs.seed("example.com", "browser", "https://example.com/p/0")

	for i := 0; i < 7; i++ {
		runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true, MaxTargetRetries: 3, RetryDelay: time.Minute}))
	}

	tg := hs.get(id)
	assert.Equal(t, target.StatusPlanned, tg.Status, "first real failure is retried")
	assert.Equal(t, 1, tg.RetryCount)
	assert.Contains(t, tg.LastError, "browser crashed")

	cur, err := hs.deps.Cursors.Get(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 48, cur.UnitsProcessed, "six slices of eight pages")
	assert.Equal(t, 6.0, testutil.ToFloat64(hs.metrics.Releases.WithLabelValues("resume")))
}

func TestTransientUnitFailureIsRetriedLater(t *testing.T) {
	hs := newHarness(t)
	graph := map[string][]string{
		"https://example.com/":  {"https://example.com/a", "https://example.com/b"},
		"https://example.com/a": {"https://example.com/a/deep"},
	}
	var failedOnce, deep atomic.Bool
	hs.deps.Modules.Register(&task.Module{
		Name: "linkcrawl",
		Run: func(ctx context.Context, u task.Unit, d task.Deadline) (*task.Result, error) {
			if u.Key == "https://example.com/a" && failedOnce.CompareAndSwap(false, true) {
				return nil, errors.New("status 503")
			}
			if u.Key == "https://example.com/a/deep" {
				deep.Store(true)
			}
			return &task.Result{NewPending: graph[u.Key]}, nil
		},
	})
	id := hs.seed("berlin:bakery", "linkcrawl", "https://example.com/")

	runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true, RetryDelay: time.Minute}))

	tg := hs.get(id)
	assert.Equal(t, target.StatusPlanned, tg.Status)
	assert.Zero(t, tg.RetryCount)
	assert.Contains(t, tg.LastError, "503")
	require.NotNil(t, tg.NextRetryAt)
	assert.Equal(t, t0.Add(time.Minute), *tg.NextRetryAt)

	cur, err := hs.deps.Cursors.Get(context.Background(), "berlin:bakery")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a"}, cur.Pending)
	assert.Equal(t, 1, cur.Attempts["https://example.com/a"])

	hs.clock.Advance(time.Minute)
	runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true, RetryDelay: time.Minute}))

	tg = hs.get(id)
	assert.Equal(t, target.StatusDone, tg.Status)
	assert.True(t, deep.Load(), "children of the retried page are crawled")
}

func TestHardTimeoutAbandonsSession(t *testing.T) {
	hs := newHarness(t)
	hs.deps.Modules.Register(&task.Module{
		Name:         "browser",
		HardTimeout:  100 * time.Millisecond,
		SafetyMargin: 10 * time.Millisecond,
		OpenSession: func(ctx context.Context, seed string) (task.Session, error) {
			return &chainSession{block: true}, nil
		},
	})
	id := hs.seed("example.com", "browser", "https://example.com/p/0")

	runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true, RetryDelay: time.Minute}))

	tg := hs.get(id)
	assert.Equal(t, target.StatusPlanned, tg.Status)
	assert.Equal(t, 1, tg.RetryCount)
	assert.Contains(t, tg.LastError, "hard timeout")
	require.NotNil(t, tg.NextRetryAt)
	assert.Equal(t, t0.Add(time.Minute), *tg.NextRetryAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.metrics.Timeouts.WithLabelValues("browser", "hard")))
}

func TestRetriesRunOutIntoFailure(t *testing.T) {
	hs := newHarness(t)
	wp := hs.pool(WorkerPoolConfig{MaxTargetRetries: 3, RetryDelay: time.Minute})
	boom := errors.New("tracking insert failed")

	o := wp.retryOrFail(&target.Target{RetryCount: 0}, boom)
	assert.Equal(t, "retry", o.String())
	o = wp.retryOrFail(&target.Target{RetryCount: 2}, boom)
	assert.Equal(t, "failed", o.String())
	o = wp.retryOrFail(&target.Target{RetryCount: 0}, task.NoRetry(boom))
	assert.Equal(t, "failed", o.String())
}

func TestQuarantinedResourceDefersTarget(t *testing.T) {
	hs := newHarness(t)
	var calls atomic.Int32
	hs.deps.Modules.Register(linkModule(nil, &calls))
	require.NoError(t, hs.deps.Breaker.Quarantine(context.Background(), "example.com", quarantine.CodeRateLimited, time.Hour))
	id := hs.seed("berlin:bakery", "linkcrawl", "https://example.com/")

	runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true, GateDeferral: 5 * time.Minute}))

	tg := hs.get(id)
	assert.Equal(t, target.StatusPlanned, tg.Status)
	require.NotNil(t, tg.NextRetryAt)
	assert.Equal(t, t0.Add(5*time.Minute), *tg.NextRetryAt)
	assert.Contains(t, tg.LastError, "example.com")
	assert.Zero(t, calls.Load(), "gated units never reach the module")
}

func TestRateLimitErrorsTripQuarantine(t *testing.T) {
	hs := newHarness(t)
	var calls atomic.Int32
	hs.deps.Modules.Register(&task.Module{
		Name: "linkcrawl",
		Run: func(ctx context.Context, u task.Unit, d task.Deadline) (*task.Result, error) {
			calls.Add(1)
			if u.Key == "https://example.com/" {
				return &task.Result{NewPending: []string{
					"https://example.com/1", "https://example.com/2",
					"https://example.com/3", "https://example.com/4",
				}}, nil
			}
			return nil, errors.New("429 too many requests")
		},
	})
	id := hs.seed("berlin:bakery", "linkcrawl", "https://example.com/")

	runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true}))

	q, err := hs.deps.Breaker.IsQuarantined(context.Background(), "example.com")
	require.NoError(t, err)
	assert.True(t, q)
	assert.Equal(t, int32(4), calls.Load(), "fourth page is gated, not fetched")
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.metrics.QuarantineTrips.WithLabelValues(string(quarantine.CodeRateLimited))))

	tg := hs.get(id)
	assert.Equal(t, target.StatusPlanned, tg.Status)
}

func TestLostLeaseLeavesTargetAlone(t *testing.T) {
	hs := newHarness(t)
	entered := make(chan struct{})
	hs.deps.Modules.Register(&task.Module{
		Name: "linkcrawl",
		Run: func(ctx context.Context, u task.Unit, d task.Deadline) (*task.Result, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	id := hs.seed("berlin:bakery", "linkcrawl", "https://example.com/")

	wp := hs.pool(WorkerPoolConfig{Test: true, LeaseRenewInterval: 20 * time.Millisecond})
	require.NoError(t, wp.Start())
	<-entered

	_, err := hs.h.ExecContext(context.Background(), `UPDATE targets SET claimed_by = 'intruder/0' WHERE id = ?`, id)
	require.NoError(t, err)

	select {
	case <-wp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not notice the lost lease")
	}
	wp.Stop(nil)

	tg := hs.get(id)
	assert.Equal(t, target.StatusInProgress, tg.Status)
	assert.Equal(t, "intruder/0", tg.ClaimedBy)
	assert.Zero(t, testutil.ToFloat64(hs.metrics.Releases.WithLabelValues("retry")))
}

func TestStopReleasesInFlightTarget(t *testing.T) {
	hs := newHarness(t)
	entered := make(chan struct{})
	hs.deps.Modules.Register(&task.Module{
		Name: "linkcrawl",
		Run: func(ctx context.Context, u task.Unit, d task.Deadline) (*task.Result, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	id := hs.seed("berlin:bakery", "linkcrawl", "https://example.com/")

	wp := hs.pool(WorkerPoolConfig{})
	require.NoError(t, wp.Start())
	<-entered
	wp.Stop(nil)

	tg := hs.get(id)
	assert.Equal(t, target.StatusPlanned, tg.Status)
	assert.Empty(t, tg.ClaimedBy)
	assert.Equal(t, "worker stopped", tg.LastError)

	cur, err := hs.deps.Cursors.Get(context.Background(), "berlin:bakery")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/"}, cur.Pending, "interrupted unit stays queued")
}

func TestStartReclaimsOwnOrphans(t *testing.T) {
	hs := newHarness(t)
	id := hs.seed("berlin:bakery", "linkcrawl", "https://example.com/")
	claimed, err := hs.deps.Targets.ClaimNext(context.Background(), "crawler/0", target.Filter{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	hs.clock.Advance(time.Second)

	// Claims nothing, so only recovery touches the target.
	runToCompletion(t, hs.pool(WorkerPoolConfig{Test: true, Filter: target.Filter{Modules: []string{"none"}}}))

	tg := hs.get(id)
	assert.Equal(t, target.StatusPlanned, tg.Status)
	assert.Empty(t, tg.ClaimedBy)
	assert.Equal(t, 1.0, testutil.ToFloat64(hs.metrics.OrphansRecovered))
}

func TestStartRefusesNameLiveOnAnotherHost(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	hbStore := heartbeat.NewStoreWithClock(hs.h, 2*time.Minute, hs.clock.Now)
	require.NoError(t, hbStore.Register(ctx, heartbeat.Registration{Name: "crawler", Type: "crawl", PID: 10, Host: "box-a"}))

	id := hs.seed("berlin:bakery", "linkcrawl", "https://example.com/")
	claimed, err := hs.deps.Targets.ClaimNext(ctx, "crawler/0", target.Filter{})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	hs.deps.Heartbeat = heartbeat.NewManagerWithClock(hbStore,
		heartbeat.Registration{Name: "crawler", Type: "crawl", PID: 10, Host: "box-b"}, time.Hour, nil, log, hs.clock.Now)
	wp := hs.pool(WorkerPoolConfig{Test: true})
	err = wp.Start()
	assert.True(t, errors.Is(err, errors.ErrConflict))

	tg := hs.get(id)
	assert.Equal(t, target.StatusInProgress, tg.Status, "the other host keeps its claim")
	assert.Equal(t, "crawler/0", tg.ClaimedBy)
}

func TestHeartbeatAndMaintenanceLifecycle(t *testing.T) {
	hs := newHarness(t)
	log := zaptest.NewLogger(t).Sugar()
	hbStore := heartbeat.NewStoreWithClock(hs.h, time.Minute, hs.clock.Now)
	hs.deps.Heartbeat = heartbeat.NewManagerWithClock(hbStore,
		heartbeat.Registration{Name: "crawler", Type: "crawl"}, time.Hour, nil, log, hs.clock.Now)
	hs.deps.Scheduler = schedule.NewWithClock(log, hs.clock.Now)
	hs.deps.Pipeline = staging.NewPipeline(hs.deps.Staging, nil, hs.deps.Breaker, nil, log)

	var calls atomic.Int32
	hs.deps.Modules.Register(linkModule(map[string][]string{
		"https://example.com/": {"https://example.com/a"},
	}, &calls))
	hs.seed("berlin:bakery", "linkcrawl", "https://example.com/")

	// a worker that died without a final status
	require.NoError(t, hbStore.Register(context.Background(), heartbeat.Registration{Name: "gone", Type: "crawl"}))
	hs.clock.Advance(20 * time.Minute)

	wp := hs.pool(WorkerPoolConfig{
		Test:               true,
		OrphanSweep:        "@every 1m",
		StuckSweep:         "@every 5m",
		PromoteSweep:       "@every 2m",
		HeartbeatRetention: 15 * time.Minute,
	})
	require.NoError(t, wp.Start())
	assert.True(t, errors.Is(wp.Start(), errors.ErrConflict))
	<-wp.Done()

	var names []string
	for _, st := range hs.deps.Scheduler.Status() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{TaskOrphanSweep, TaskRetireDead, TaskPromote, TaskStuckSweep}, names)

	require.NoError(t, hs.deps.Scheduler.RunNow(context.Background(), TaskRetireDead))
	gone, err := hbStore.Get(context.Background(), "gone")
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusFailed, gone.Status)

	require.NoError(t, hs.deps.Scheduler.RunNow(context.Background(), TaskPromote))
	n, err := hs.deps.Staging.CountCanonical(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "scheduled promotion moves staged candidates")
	assert.Equal(t, 2.0, testutil.ToFloat64(hs.metrics.Staging.WithLabelValues("promoted")))

	wp.Stop(nil)
	wp.Stop(nil)

	w, err := hbStore.Get(context.Background(), "crawler")
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusStopped, w.Status)
	assert.Equal(t, 2, w.UnitsProcessed)
	assert.Equal(t, 2, w.JobsCompleted)
}

func TestDepsValidated(t *testing.T) {
	_, err := NewWorkerPool(context.Background(), Deps{}, WorkerPoolConfig{}, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestMemoryPressureWarning(t *testing.T) {
	orig := memoryStats
	t.Cleanup(func() { memoryStats = orig })
	memoryStats = func(ctx context.Context) (uint64, uint64, error) {
		return 8 << 30, 4 << 30, nil
	}

	hs := newHarness(t)
	assert.Empty(t, hs.pool(WorkerPoolConfig{Workers: 2}).checkMemoryPressure())
	assert.Contains(t, hs.pool(WorkerPoolConfig{Workers: 8}).checkMemoryPressure(), "exceeds recommended (2)")

	m := hs.pool(WorkerPoolConfig{Workers: 2}).GetSystemMetrics(context.Background())
	assert.InDelta(t, 50.0, m.MemoryPercent, 0.01)
	assert.Equal(t, 2, m.WorkersTotal)

	assert.Equal(t, 1, calculateSafeWorkerCount(1.5))
	assert.Equal(t, 32, calculateSafeWorkerCount(64))
}
