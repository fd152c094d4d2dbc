package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	testutil "github.com/teranos/forage/internal/testing"
	"github.com/teranos/forage/pulse/async"
	"github.com/teranos/forage/pulse/heartbeat"
	"github.com/teranos/forage/pulse/metrics"
	"github.com/teranos/forage/pulse/status"
	"github.com/teranos/forage/pulse/target"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakePool struct{ stats async.Stats }

func (f fakePool) Stats() async.Stats { return f.stats }

func (f fakePool) GetSystemMetrics(ctx context.Context) async.SystemMetrics {
	return async.SystemMetrics{WorkersTotal: f.stats.Workers, TargetsPlanned: 1}
}

func newTestServer(t *testing.T) (*Server, *testutil.Clock) {
	t.Helper()
	h := testutil.CreateTestDB(t)
	clock := testutil.NewClock(t0)
	ctx := context.Background()

	targets := target.NewStoreWithClock(h, 5*time.Minute, clock.Now)
	_, err := targets.Seed(ctx, []target.NewTarget{{GroupKey: "berlin:bakery", Module: "linkcrawl", Seed: "https://a.example/"}})
	require.NoError(t, err)

	hb := heartbeat.NewStoreWithClock(h, time.Minute, clock.Now)
	require.NoError(t, hb.Register(ctx, heartbeat.Registration{Name: "crawler", Type: "crawl"}))

	m := metrics.New()
	m.Release("done")

	s := New("127.0.0.1:0", status.NewCollector(targets, hb).WithClock(clock.Now), m, zaptest.NewLogger(t).Sugar())
	s.AddPool(fakePool{async.Stats{Name: "crawler", Workers: 2, Processed: 7}})
	return s, clock
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["health"])
	assert.Equal(t, float64(1), body["targets"].(map[string]interface{})["PLANNED"])
	pools := body["pools"].([]interface{})
	require.Len(t, pools, 1)
	system := body["system"].([]interface{})
	require.Len(t, system, 1)
	assert.Equal(t, float64(1), system[0].(map[string]interface{})["targets_planned"])
	assert.Equal(t, float64(7), pools[0].(map[string]interface{})["processed"])
}

func TestHealthEndpointFollowsHealth(t *testing.T) {
	s, clock := newTestServer(t)
	s.setState(ServerStateRunning)

	rec, body := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["health"])
	assert.Equal(t, "running", body["state"])

	clock.Advance(5 * time.Minute)
	rec, body = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["health"])

	s.setState(ServerStateDraining)
	clock.Set(t0)
	rec, _ = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "draining server fails the probe")
}

func TestStatusWithoutCollector(t *testing.T) {
	s := New(":0", nil, nil, zaptest.NewLogger(t).Sugar())
	rec, body := get(t, s.Handler(), "/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "status collection not configured", body["error"])

	rec, _ = get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartServeShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start is rejected")

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(b), `forage_releases_total{outcome="done"} 1`)

	resp, err = http.Get("http://" + s.Addr() + "/version")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, ServerStateStopped, s.getState())
}
