package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecording(t *testing.T) {
	m := New()

	m.Claim(true)
	m.Claim(true)
	m.Claim(false)
	m.Release("done")
	m.Unit("linkcrawl", 2*time.Second, nil)
	m.Unit("linkcrawl", time.Second, errors.New("boom"))
	m.Timeout("browser", true)
	m.Orphans(3)
	m.Orphans(0)
	m.StagingDecision("promoted", 4)
	m.QuarantineTrip("rate_limited")
	m.WorkerBusy(true)
	m.WorkerBusy(true)
	m.WorkerBusy(false)
	m.WatchdogAction("stale_heartbeat", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Claims.WithLabelValues("claimed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Claims.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Units.WithLabelValues("linkcrawl", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Timeouts.WithLabelValues("browser", "hard")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OrphansRecovered))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Staging.WithLabelValues("promoted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveWorkers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WatchdogActions.WithLabelValues("stale_heartbeat", "true")))
}

func TestNilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Claim(true)
		m.Release("done")
		m.Unit("x", time.Second, nil)
		m.Orphans(1)
		m.WorkerBusy(true)
	})
}

func TestHandlerExposes(t *testing.T) {
	m := New()
	m.Release("retry")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `forage_releases_total{outcome="retry"} 1`)
}
