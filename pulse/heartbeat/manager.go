package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
)

// Manager keeps one worker's heartbeat row current while the worker runs.
//
// Lifecycle: Start registers the row and begins ticking, Stop ends the ticker
// and writes the final status. Counters are updated from worker goroutines
// through RecordJob, RecordUnits and SetCurrentUnit.
type Manager struct {
	store    *Store
	reg      Registration
	interval time.Duration
	notifier Notifier
	logger   *zap.SugaredLogger
	now      func() time.Time

	// PIDExists reports whether a process is alive on this host. Swapped in tests.
	PIDExists func(pid int) (bool, error)

	mu    sync.Mutex
	snap  Snapshot
	total time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. notifier may be nil.
func NewManager(store *Store, reg Registration, interval time.Duration, notifier Notifier, log *zap.SugaredLogger) *Manager {
	return NewManagerWithClock(store, reg, interval, notifier, log, time.Now)
}

// NewManagerWithClock creates a manager with an injectable clock (for testing).
func NewManagerWithClock(store *Store, reg Registration, interval time.Duration, notifier Notifier, log *zap.SugaredLogger, now func() time.Time) *Manager {
	if log == nil {
		log = logger.Logger
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		store:    store,
		reg:      reg,
		interval: interval,
		notifier: notifier,
		logger:   log.Named("heartbeat").With(logger.FieldWorker, reg.Name),
		now:      now,
		PIDExists: func(pid int) (bool, error) {
			return process.PidExists(int32(pid))
		},
	}
}

// Name returns the registered worker name.
func (m *Manager) Name() string {
	return m.reg.Name
}

// Start registers the worker and launches the beat loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.Wrap(errors.ErrConflict, "heartbeat manager already started")
	}
	m.snap = Snapshot{}
	m.total = 0
	m.mu.Unlock()

	if err := m.checkNameFree(ctx); err != nil {
		return err
	}
	if err := m.store.Register(ctx, m.reg); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.notify(NotifyReady)
	m.logger.Infow("Worker registered",
		logger.FieldWorkerType, m.reg.Type,
		"pid", m.reg.PID,
		"host", m.reg.Host,
		"interval", m.interval)

	go m.loop(loopCtx, done)
	return nil
}

// checkNameFree refuses a name whose row is still fresh and belongs to another
// live process: one on a different host, or another PID on this host that is
// still running. A stale row, or one left by a dead process here, is taken over.
func (m *Manager) checkNameFree(ctx context.Context) error {
	w, err := m.store.Get(ctx, m.reg.Name)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if w.Status != StatusRunning || (w.Host == m.reg.Host && w.PID == m.reg.PID) {
		return nil
	}
	if w.Host == m.reg.Host {
		alive, err := m.PIDExists(w.PID)
		if err != nil || !alive {
			return nil
		}
	}
	return errors.WithDetailf(
		errors.Wrapf(errors.ErrConflict, "worker name %s is in use", m.reg.Name),
		"held by pid %d on %s, last heartbeat %s", w.PID, w.Host, w.LastHeartbeat.Format(time.RFC3339))
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Beat(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warnw("Heartbeat failed", logger.FieldError, err)
			}
		}
	}
}

// Beat writes one heartbeat immediately and pings the notifier on success.
func (m *Manager) Beat(ctx context.Context) error {
	if err := m.store.Beat(ctx, m.reg.Name, m.Snapshot()); err != nil {
		return err
	}
	m.notify(NotifyWatchdog)
	return nil
}

// RetireDead fails rows of any worker silent for longer than olderThan.
func (m *Manager) RetireDead(ctx context.Context, olderThan time.Duration) (int64, error) {
	return m.store.Retire(ctx, olderThan)
}

// Stop ends the beat loop and records the final status. A nil cause marks the
// worker stopped, anything else marks it failed.
func (m *Manager) Stop(ctx context.Context, cause error) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	m.notify(NotifyStopping)
	status := StatusStopped
	if cause != nil {
		status = StatusFailed
		m.recordError(cause)
	}
	snap := m.Snapshot()
	snap.CurrentUnit = ""
	if err := m.store.MarkFinal(ctx, m.reg.Name, status, snap); err != nil {
		return err
	}
	m.logger.Infow("Worker deregistered",
		logger.FieldStatus, status,
		"jobs_completed", snap.JobsCompleted,
		"jobs_failed", snap.JobsFailed)
	return nil
}

// RecordJob folds one finished job into the counters and the running average.
func (m *Manager) RecordJob(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.snap.JobsFailed++
		m.setError(err)
	} else {
		m.snap.JobsCompleted++
	}
	m.total += d
	m.snap.AvgDuration = m.total / time.Duration(m.snap.JobsCompleted+m.snap.JobsFailed)
}

// RecordUnits adds processed units to the counter.
func (m *Manager) RecordUnits(n int) {
	m.mu.Lock()
	m.snap.UnitsProcessed += n
	m.mu.Unlock()
}

// SetCurrentUnit records what the worker is doing; empty clears it.
func (m *Manager) SetCurrentUnit(unit string) {
	m.mu.Lock()
	m.snap.CurrentUnit = unit
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snap
	if s.LastErrorAt != nil {
		t := *s.LastErrorAt
		s.LastErrorAt = &t
	}
	return s
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.setError(err)
	m.mu.Unlock()
}

// setError requires m.mu.
func (m *Manager) setError(err error) {
	at := m.now().UTC()
	m.snap.LastError = err.Error()
	m.snap.LastErrorAt = &at
}

func (m *Manager) notify(state string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(state); err != nil {
		m.logger.Debugw("Supervisor notification failed", "state", state, logger.FieldError, err)
	}
}
