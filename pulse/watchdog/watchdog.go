// Package watchdog is the out-of-band self-healing loop.
//
// Every tick runs the probes and logs each detection. Detections are counted
// per (kind, service, worker type) inside the rule's window; once a rule's
// occurrence threshold is met the service is restarted, unless an action
// against the same service is still cooling down. Each action schedules a
// verification that re-runs the detecting probe and logs whether the condition
// cleared. Everything lands in the append-only event log.
package watchdog

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/metrics"
)

// Report summarizes one tick.
type Report struct {
	Detections int `json:"detections"`
	Actions    int `json:"actions"`
	Suppressed int `json:"suppressed"`
	Verified   int `json:"verified"`
}

type verification struct {
	due     time.Time
	probe   Probe
	det     Detection
	service string
}

// Watchdog evaluates probes against rules and heals through a Supervisor.
type Watchdog struct {
	probes     []Probe
	supervisor Supervisor
	events     *EventStore
	metrics    *metrics.Metrics
	interval   time.Duration
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu    sync.Mutex
	rules map[string]Rule

	// tick state, guarded by tickMu
	tickMu     sync.Mutex
	seen       map[string][]time.Time
	lastAction map[string]time.Time
	pending    []verification

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watchdog. A nil supervisor runs in observe-only mode.
func New(probes []Probe, rules []Rule, sup Supervisor, events *EventStore, interval time.Duration, log *zap.SugaredLogger) (*Watchdog, error) {
	return NewWithClock(probes, rules, sup, events, interval, log, time.Now)
}

// NewWithClock creates a watchdog with an injectable clock (for testing).
func NewWithClock(probes []Probe, rules []Rule, sup Supervisor, events *EventStore, interval time.Duration, log *zap.SugaredLogger, now func() time.Time) (*Watchdog, error) {
	if log == nil {
		log = logger.Logger
	}
	if interval <= 0 {
		interval = time.Minute
	}
	w := &Watchdog{
		probes:     probes,
		supervisor: sup,
		events:     events,
		interval:   interval,
		logger:     log.Named("watchdog"),
		now:        now,
		seen:       map[string][]time.Time{},
		lastAction: map[string]time.Time{},
	}
	if err := w.SetRules(rules); err != nil {
		return nil, err
	}
	return w, nil
}

// SetMetrics attaches a collector for restart counts.
func (w *Watchdog) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// SetRules replaces the rule set. Invalid sets are rejected whole.
func (w *Watchdog) SetRules(rules []Rule) error {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		m[r.Kind] = r
	}
	w.mu.Lock()
	w.rules = m
	w.mu.Unlock()
	return nil
}

func (w *Watchdog) rule(kind string) (Rule, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rules[kind]
	return r, ok
}

// Start launches the tick loop.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(loopCtx, w.done)
	w.logger.Infow("Watchdog started", "interval", w.interval, "probes", len(w.probes), "observe_only", w.supervisor == nil)
}

// Stop ends the tick loop and waits for the current tick.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Infow("Watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.logger.Errorw("Watchdog tick failed", logger.FieldError, err)
			}
		}
	}
}

// Tick runs due verifications, then every probe, and acts on the results.
// Probe failures are logged and skipped; only event log failures are returned.
func (w *Watchdog) Tick(ctx context.Context) (*Report, error) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	rep := &Report{}
	if err := w.verify(ctx, rep); err != nil {
		return rep, err
	}

	for _, p := range w.probes {
		dets, err := p.Check(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			w.logger.Warnw("Probe failed", "probe", p.Name(), logger.FieldError, err)
			continue
		}
		for _, d := range dets {
			rep.Detections++
			if err := w.observe(ctx, p, d, rep); err != nil {
				return rep, err
			}
		}
	}
	return rep, nil
}

func (w *Watchdog) observe(ctx context.Context, p Probe, d Detection, rep *Report) error {
	now := w.now().UTC()
	log := w.logger.With("kind", d.Kind, logger.FieldService, d.Service, logger.FieldWorkerType, d.WorkerType)
	log.Warnw("Detection: "+d.Message, "severity", d.Severity)

	details := withMessage(d.Details, d.Message)
	details["kind"] = d.Kind
	if err := w.events.Append(ctx, &Event{
		Type:       EventDetection,
		Severity:   d.Severity,
		Service:    d.Service,
		WorkerType: d.WorkerType,
		Details:    details,
	}); err != nil {
		return err
	}

	rule, ok := w.rule(d.Kind)
	if !ok {
		return nil
	}

	k := d.key()
	hits := pruneBefore(w.seen[k], now.Add(-rule.Window))
	hits = append(hits, now)
	w.seen[k] = hits
	if len(hits) < rule.Occurrences {
		log.Debugw("Awaiting corroboration", logger.FieldCount, len(hits), "required", rule.Occurrences)
		return nil
	}

	service := rule.Service
	if service == "" {
		service = d.Service
	}
	if service == "" || w.supervisor == nil {
		reason := "no service mapped"
		if w.supervisor == nil {
			reason = "observe only"
		}
		rep.Suppressed++
		return w.events.Append(ctx, &Event{
			Type:       EventSuppressed,
			Severity:   SeverityWarning,
			Service:    service,
			WorkerType: d.WorkerType,
			Details:    map[string]string{"kind": d.Kind, logger.FieldReason: reason},
		})
	}

	actionKey := d.Kind + "|" + service
	if last, ok := w.lastAction[actionKey]; ok && now.Sub(last) < rule.Cooldown {
		rep.Suppressed++
		log.Infow("Action suppressed by cooldown", "last_action", last, "cooldown", rule.Cooldown)
		return w.events.Append(ctx, &Event{
			Type:       EventSuppressed,
			Severity:   SeverityInfo,
			Service:    service,
			WorkerType: d.WorkerType,
			Details: map[string]string{
				"kind":             d.Kind,
				logger.FieldReason: "cooldown",
				"until":            last.Add(rule.Cooldown).Format(time.RFC3339),
			},
		})
	}

	return w.act(ctx, p, d, rule, service, now, rep)
}

func (w *Watchdog) act(ctx context.Context, p Probe, d Detection, rule Rule, service string, now time.Time, rep *Report) error {
	started := time.Now()
	err := w.supervisor.Restart(ctx, service)
	elapsed := time.Since(started)
	ok := err == nil

	w.lastAction[d.Kind+"|"+service] = now
	delete(w.seen, d.key())
	rep.Actions++
	w.metrics.WatchdogAction(d.Kind, ok)

	ev := &Event{
		Type:           EventAction,
		Severity:       SeverityWarning,
		Service:        service,
		WorkerType:     d.WorkerType,
		Action:         "restart " + service,
		ActionSuccess:  &ok,
		ActionDuration: elapsed,
		Details:        map[string]string{"kind": d.Kind, "occurrences": strconv.Itoa(rule.Occurrences)},
	}
	if err != nil {
		ev.Severity = SeverityCritical
		ev.Details[logger.FieldError] = err.Error()
		w.logger.Errorw("Restart failed", logger.FieldService, service, logger.FieldError, err,
			logger.FieldDurationMS, elapsed.Milliseconds())
	} else {
		w.logger.Infow("Restarted service", logger.FieldService, service, "kind", d.Kind,
			logger.FieldDurationMS, elapsed.Milliseconds())
	}
	if err := w.events.Append(ctx, ev); err != nil {
		return err
	}

	w.pending = append(w.pending, verification{
		due:     now.Add(rule.VerifyAfter),
		probe:   p,
		det:     d,
		service: service,
	})
	return nil
}

func (w *Watchdog) verify(ctx context.Context, rep *Report) error {
	now := w.now().UTC()
	var keep []verification
	for i, v := range w.pending {
		if now.Before(v.due) {
			keep = append(keep, v)
			continue
		}
		rep.Verified++
		dets, err := v.probe.Check(ctx)
		healthy := err == nil
		details := map[string]string{"kind": v.det.Kind}
		if err != nil {
			details[logger.FieldError] = err.Error()
		}
		for _, d := range dets {
			if d.key() == v.det.key() {
				healthy = false
				details["message"] = d.Message
			}
		}
		sev := SeverityInfo
		if healthy {
			w.logger.Infow("Recovery verified", logger.FieldService, v.service, "kind", v.det.Kind)
		} else {
			sev = SeverityCritical
			w.logger.Errorw("Condition persists after restart", logger.FieldService, v.service, "kind", v.det.Kind)
		}
		if aerr := w.events.Append(ctx, &Event{
			Type:          EventVerification,
			Severity:      sev,
			Service:       v.service,
			WorkerType:    v.det.WorkerType,
			ActionSuccess: &healthy,
			Details:       details,
		}); aerr != nil {
			w.pending = append(keep, w.pending[i:]...)
			return errors.Wrap(aerr, "failed to record verification")
		}
	}
	w.pending = keep
	return nil
}

// Pending returns how many verifications are scheduled.
func (w *Watchdog) Pending() int {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	return len(w.pending)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func withMessage(details map[string]string, msg string) map[string]string {
	out := make(map[string]string, len(details)+2)
	for k, v := range details {
		out[k] = v
	}
	if msg != "" {
		out["message"] = msg
	}
	return out
}
