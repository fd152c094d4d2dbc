package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/forage/errors"
	testutil "github.com/teranos/forage/internal/testing"
	"github.com/teranos/forage/pulse/heartbeat"
	"github.com/teranos/forage/pulse/quarantine"
	"github.com/teranos/forage/pulse/staging"
	"github.com/teranos/forage/pulse/target"
	"github.com/teranos/forage/pulse/task"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func worker(name string, st heartbeat.Status, completed, failed int) *heartbeat.Worker {
	return &heartbeat.Worker{
		Registration:  heartbeat.Registration{Name: name, Type: "crawl"},
		Snapshot:      heartbeat.Snapshot{JobsCompleted: completed, JobsFailed: failed},
		Status:        st,
		StartedAt:     t0,
		LastHeartbeat: t0.Add(time.Hour),
	}
}

// restarted is a running worker started after every row built by worker.
func restarted(name string) *heartbeat.Worker {
	w := worker(name, heartbeat.StatusRunning, 10, 0)
	w.StartedAt = t0.Add(2 * time.Hour)
	w.LastHeartbeat = w.StartedAt
	return w
}

func TestJudge(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name    string
		workers []*heartbeat.Worker
		want    Health
		reasons int
	}{
		{"no workers", nil, HealthHealthy, 0},
		{"all running", []*heartbeat.Worker{
			worker("a", heartbeat.StatusRunning, 40, 2),
			worker("b", heartbeat.StatusRunning, 3, 3), // below sample
		}, HealthHealthy, 0},
		{"stopped ignored", []*heartbeat.Worker{
			worker("a", heartbeat.StatusRunning, 10, 0),
			worker("b", heartbeat.StatusStopped, 0, 10),
		}, HealthHealthy, 0},
		{"one of two stale", []*heartbeat.Worker{
			worker("a", heartbeat.StatusRunning, 10, 0),
			worker("b", heartbeat.StatusStale, 10, 0),
		}, HealthDegraded, 1},
		{"all stale", []*heartbeat.Worker{
			worker("a", heartbeat.StatusStale, 10, 0),
		}, HealthUnhealthy, 1},
		{"elevated failure rate", []*heartbeat.Worker{
			worker("a", heartbeat.StatusRunning, 7, 3),
		}, HealthDegraded, 1},
		{"high failure rate", []*heartbeat.Worker{
			worker("a", heartbeat.StatusRunning, 4, 6),
			worker("b", heartbeat.StatusRunning, 10, 0),
		}, HealthUnhealthy, 1},
		{"crashed worker", []*heartbeat.Worker{
			worker("a", heartbeat.StatusFailed, 0, 0),
			worker("b", heartbeat.StatusRunning, 10, 0),
		}, HealthDegraded, 1},
		{"stale row replaced by a restart", []*heartbeat.Worker{
			worker("old", heartbeat.StatusStale, 10, 0),
			restarted("new"),
		}, HealthHealthy, 0},
		{"failed row replaced by a restart", []*heartbeat.Worker{
			worker("old", heartbeat.StatusFailed, 0, 0),
			restarted("new"),
		}, HealthHealthy, 0},
		{"restart of another type does not replace", []*heartbeat.Worker{
			worker("old", heartbeat.StatusStale, 10, 0),
			func() *heartbeat.Worker { w := restarted("new"); w.Type = "enrich"; return w }(),
		}, HealthDegraded, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reasons := Judge(tt.workers, th)
			assert.Equal(t, tt.want, got)
			assert.Len(t, reasons, tt.reasons)
		})
	}
}

func TestCollect(t *testing.T) {
	h := testutil.CreateTestDB(t)
	clock := testutil.NewClock(t0)
	ctx := context.Background()

	targets := target.NewStoreWithClock(h, 5*time.Minute, clock.Now)
	_, err := targets.Seed(ctx, []target.NewTarget{
		{GroupKey: "berlin:bakery", Module: "linkcrawl", Seed: "https://a.example/"},
		{GroupKey: "berlin:cafe", Module: "linkcrawl", Seed: "https://b.example/"},
	})
	require.NoError(t, err)
	_, err = targets.ClaimNext(ctx, "crawler/0", target.Filter{})
	require.NoError(t, err)

	hb := heartbeat.NewStoreWithClock(h, time.Minute, clock.Now)
	require.NoError(t, hb.Register(ctx, heartbeat.Registration{Name: "crawler", Type: "crawl"}))

	stage := staging.NewStoreWithClock(h, staging.DefaultConfig(), clock.Now)
	_, err = stage.EnqueueAll(ctx, []task.Candidate{{NaturalKey: "a.example", Resource: "a.example", Source: "linkcrawl"}})
	require.NoError(t, err)

	breaker := quarantine.NewBreakerWithClock(quarantine.NewSQLStore(h), quarantine.DefaultPolicy(), zaptest.NewLogger(t).Sugar(), clock.Now)
	require.NoError(t, breaker.Quarantine(ctx, "b.example", quarantine.CodeBlocked, time.Hour))

	c := NewCollector(targets, hb).WithClock(clock.Now)
	c.Staging = stage
	c.Breaker = breaker

	snap, err := c.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, snap.GeneratedAt)
	assert.Equal(t, 1, snap.Targets[target.StatusPlanned])
	assert.Equal(t, 1, snap.Targets[target.StatusInProgress])
	assert.Equal(t, 1, snap.Staging.Ready)
	require.Len(t, snap.Quarantines, 1)
	assert.Equal(t, "b.example", snap.Quarantines[0].Resource)
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, HealthHealthy, snap.Health)

	clock.Advance(2 * time.Minute)
	snap, err = c.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusStale, snap.Workers[0].Status)
	assert.Equal(t, HealthUnhealthy, snap.Health)
	assert.Equal(t, []string{"worker crawler heartbeat stale"}, snap.Reasons)
}

func TestCollectRequiresStores(t *testing.T) {
	_, err := (&Collector{}).Collect(context.Background())
	assert.True(t, errors.IsInvalidRequestError(err))
}
