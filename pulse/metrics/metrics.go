// Package metrics exposes orchestration counters to Prometheus.
//
// All recording methods are safe on a nil *Metrics so components can take an
// optional collector without guarding every call.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "forage"

// Metrics holds every collector on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Claims           *prometheus.CounterVec
	Releases         *prometheus.CounterVec
	Units            *prometheus.CounterVec
	UnitDuration     *prometheus.HistogramVec
	Timeouts         *prometheus.CounterVec
	OrphansRecovered prometheus.Counter
	StuckJobs        prometheus.Counter
	Staging          *prometheus.CounterVec
	QuarantineTrips  *prometheus.CounterVec
	ActiveWorkers    prometheus.Gauge
	WatchdogActions  *prometheus.CounterVec
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result (claimed, empty).",
		}, []string{"result"}),
		Releases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Target releases by outcome.",
		}, []string{"outcome"}),
		Units: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Processed units by module and result.",
		}, []string{"module", "result"}),
		UnitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Duration of unit executions.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"module"}),
		Timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Soft and hard timeouts by module.",
		}, []string{"module", "kind"}),
		OrphansRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_recovered_total",
			Help:      "Targets reset to PLANNED by orphan recovery.",
		}),
		StuckJobs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_jobs_total",
			Help:      "Tracked jobs failed by the stuck sweep.",
		}),
		Staging: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_records_total",
			Help:      "Staging records by pipeline decision.",
		}, []string{"decision"}),
		QuarantineTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quarantine_trips_total",
			Help:      "Resources quarantined by error class.",
		}, []string{"code"}),
		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently holding a claim.",
		}),
		WatchdogActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_actions_total",
			Help:      "Watchdog restarts by detection kind and success.",
		}, []string{"kind", "success"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Claim records one claim attempt.
func (m *Metrics) Claim(claimed bool) {
	if m == nil {
		return
	}
	if claimed {
		m.Claims.WithLabelValues("claimed").Inc()
	} else {
		m.Claims.WithLabelValues("empty").Inc()
	}
}

// Release records a release outcome ("done", "failed", "retry", "resume").
func (m *Metrics) Release(outcome string) {
	if m == nil {
		return
	}
	m.Releases.WithLabelValues(outcome).Inc()
}

// Unit records one unit execution.
func (m *Metrics) Unit(module string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.Units.WithLabelValues(module, result).Inc()
	m.UnitDuration.WithLabelValues(module).Observe(d.Seconds())
}

// Timeout records a soft or hard timeout.
func (m *Metrics) Timeout(module string, hard bool) {
	if m == nil {
		return
	}
	kind := "soft"
	if hard {
		kind = "hard"
	}
	m.Timeouts.WithLabelValues(module, kind).Inc()
}

// Orphans adds recovered targets.
func (m *Metrics) Orphans(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphansRecovered.Add(float64(n))
}

// Stuck adds swept jobs.
func (m *Metrics) Stuck(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StuckJobs.Add(float64(n))
}

// StagingDecision adds n records to a pipeline decision bucket.
func (m *Metrics) StagingDecision(decision string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Staging.WithLabelValues(decision).Add(float64(n))
}

// QuarantineTrip records a resource entering quarantine.
func (m *Metrics) QuarantineTrip(code string) {
	if m == nil {
		return
	}
	m.QuarantineTrips.WithLabelValues(code).Inc()
}

// WorkerBusy moves the active worker gauge.
func (m *Metrics) WorkerBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.ActiveWorkers.Inc()
	} else {
		m.ActiveWorkers.Dec()
	}
}

// WatchdogAction records a restart attempt.
func (m *Metrics) WatchdogAction(kind string, ok bool) {
	if m == nil {
		return
	}
	m.WatchdogActions.WithLabelValues(kind, strconv.FormatBool(ok)).Inc()
}
