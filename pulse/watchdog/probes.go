package watchdog

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/pulse/heartbeat"
)

// Detection kinds.
const (
	KindStaleHeartbeat = "stale_heartbeat"
	KindProcessCount   = "process_count"
	KindMemory         = "memory"
	KindServiceDown    = "service_down"
	KindFailureRate    = "failure_rate"
)

// Detection is one observation of an unhealthy condition.
type Detection struct {
	Kind       string
	Service    string // service a restart would target
	WorkerType string
	Severity   Severity
	Message    string
	Details    map[string]string
}

func (d Detection) key() string {
	return d.Kind + "|" + d.Service + "|" + d.WorkerType
}

// Probe observes one signal. A healthy signal returns no detections.
type Probe interface {
	Name() string
	Check(ctx context.Context) ([]Detection, error)
}

// HeartbeatProbe reports worker types with stale heartbeats.
type HeartbeatProbe struct {
	Store *heartbeat.Store
	// Services maps worker type to the service that runs it.
	Services map[string]string
	// Retention drops rows silent for longer than this; they are left for
	// heartbeat.Store.Retire. Zero keeps every stale row.
	Retention time.Duration
	Now       func() time.Time // nil = time.Now
}

func (p *HeartbeatProbe) Name() string { return KindStaleHeartbeat }

func (p *HeartbeatProbe) Check(ctx context.Context) ([]Detection, error) {
	workers, err := p.Store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	stale := map[string][]string{}
	for _, w := range workers {
		if w.Status != heartbeat.StatusStale || heartbeat.Superseded(w, workers) {
			continue
		}
		if p.Retention > 0 && now().Sub(w.LastHeartbeat) > p.Retention {
			continue
		}
		stale[w.Type] = append(stale[w.Type], w.Name)
	}
	var out []Detection
	for _, typ := range sortedKeys(stale) {
		names := stale[typ]
		out = append(out, Detection{
			Kind:       KindStaleHeartbeat,
			Service:    p.Services[typ],
			WorkerType: typ,
			Severity:   SeverityCritical,
			Message:    fmt.Sprintf("%d %s worker(s) stopped heartbeating", len(names), typ),
			Details: map[string]string{
				"workers":     strings.Join(names, ","),
				"stale_after": p.Store.StaleAfter().String(),
			},
		})
	}
	return out, nil
}

// FailureRateProbe reports running workers failing too large a share of jobs.
type FailureRateProbe struct {
	Store     *heartbeat.Store
	Services  map[string]string
	MaxRate   float64
	MinSample int
}

func (p *FailureRateProbe) Name() string { return KindFailureRate }

func (p *FailureRateProbe) Check(ctx context.Context) ([]Detection, error) {
	workers, err := p.Store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []Detection
	for _, w := range workers {
		if w.Status != heartbeat.StatusRunning {
			continue
		}
		sample := w.JobsCompleted + w.JobsFailed
		if sample < p.MinSample || sample == 0 {
			continue
		}
		rate := w.FailureRate()
		if rate <= p.MaxRate {
			continue
		}
		out = append(out, Detection{
			Kind:       KindFailureRate,
			Service:    p.Services[w.Type],
			WorkerType: w.Type,
			Severity:   SeverityWarning,
			Message:    fmt.Sprintf("worker %s failing %.0f%% of jobs", w.Name, rate*100),
			Details: map[string]string{
				"worker":     w.Name,
				"rate":       strconv.FormatFloat(rate, 'f', 3, 64),
				"sample":     strconv.Itoa(sample),
				"last_error": w.LastError,
			},
		})
	}
	return out, nil
}

// ProcessProbe reports when too many processes of one name are alive, which
// is how leaked automation browsers show up.
type ProcessProbe struct {
	Process string
	Max     int
	Service string
	// Count overrides the process table scan (for testing).
	Count func(ctx context.Context, name string) (int, error)
}

func (p *ProcessProbe) Name() string { return KindProcessCount + ":" + p.Process }

func (p *ProcessProbe) Check(ctx context.Context) ([]Detection, error) {
	count := p.Count
	if count == nil {
		count = countProcesses
	}
	n, err := count(ctx, p.Process)
	if err != nil {
		return nil, err
	}
	if n <= p.Max {
		return nil, nil
	}
	return []Detection{{
		Kind:     KindProcessCount,
		Service:  p.Service,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%d %s processes running (max %d)", n, p.Process, p.Max),
		Details:  map[string]string{"process": p.Process, "count": strconv.Itoa(n)},
	}}, nil
}

func countProcesses(ctx context.Context, name string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list processes")
	}
	n := 0
	for _, p := range procs {
		// processes can exit between listing and inspection
		pn, err := p.NameWithContext(ctx)
		if err == nil && strings.EqualFold(pn, name) {
			n++
		}
	}
	return n, nil
}

// MemoryProbe reports system memory use above a percentage.
type MemoryProbe struct {
	MaxPercent float64
	Service    string
	// Used overrides the system reading (for testing).
	Used func(ctx context.Context) (float64, error)
}

func (p *MemoryProbe) Name() string { return KindMemory }

func (p *MemoryProbe) Check(ctx context.Context) ([]Detection, error) {
	used := p.Used
	if used == nil {
		used = memoryPercent
	}
	pct, err := used(ctx)
	if err != nil {
		return nil, err
	}
	if pct <= p.MaxPercent {
		return nil, nil
	}
	return []Detection{{
		Kind:     KindMemory,
		Service:  p.Service,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("memory at %.1f%% (max %.1f%%)", pct, p.MaxPercent),
		Details:  map[string]string{"percent": strconv.FormatFloat(pct, 'f', 1, 64)},
	}}, nil
}

func memoryPercent(ctx context.Context) (float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.UsedPercent, nil
}

// ServiceProbe checks that a shared service answers. URL selects an HTTP GET
// (any status below 500 is healthy); otherwise Addr is dialed over TCP.
type ServiceProbe struct {
	Service string
	URL     string
	Addr    string
	Timeout time.Duration
	Client  *http.Client
}

func (p *ServiceProbe) Name() string { return KindServiceDown + ":" + p.Service }

func (p *ServiceProbe) Check(ctx context.Context) ([]Detection, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	target := p.Addr
	if p.URL != "" {
		target = p.URL
		err = p.checkHTTP(ctx)
	} else {
		var conn net.Conn
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", p.Addr)
		if err == nil {
			conn.Close()
		}
	}
	if err == nil {
		return nil, nil
	}
	return []Detection{{
		Kind:     KindServiceDown,
		Service:  p.Service,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("%s unreachable", p.Service),
		Details:  map[string]string{"target": target, "error": err.Error()},
	}}, nil
}

func (p *ServiceProbe) checkHTTP(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Newf("status %d", resp.StatusCode)
	}
	return nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
