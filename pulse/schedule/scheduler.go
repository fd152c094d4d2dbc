// Package schedule runs named maintenance tasks on cron specs.
//
// Maintenance (orphan recovery, stuck job sweeps, staging promotion) runs on
// its own schedule, independent of worker loops, so a hung unit cannot starve
// it. A task that is still running when its next slot fires is skipped.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
)

// Task is one maintenance job.
type Task func(ctx context.Context) error

// TaskStatus reports one registered task.
type TaskStatus struct {
	Name       string        `json:"name"`
	Spec       string        `json:"spec"`
	Runs       int           `json:"runs"`
	Failures   int           `json:"failures"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	LastDur    time.Duration `json:"last_duration"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	InProgress bool          `json:"in_progress"`
}

type entry struct {
	name string
	spec string
	task Task
	id   cron.EntryID

	mu      sync.Mutex
	running bool
	status  TaskStatus
}

// Scheduler owns a cron runner and the registered tasks.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.SugaredLogger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler.
func New(log *zap.SugaredLogger) *Scheduler {
	return NewWithClock(log, time.Now)
}

// NewWithClock creates a scheduler with an injectable clock for run timestamps.
func NewWithClock(log *zap.SugaredLogger, now func() time.Time) *Scheduler {
	if log == nil {
		log = logger.Logger
	}
	log = log.Named("schedule")
	cl := cronLogger{log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		logger:  log,
		now:     now,
		entries: map[string]*entry{},
		ctx:     context.Background(),
	}
}

// Add registers a task. spec accepts standard five-field cron expressions and
// descriptors such as "@every 1m" or "@hourly". An empty spec registers the
// task for RunNow only.
func (s *Scheduler) Add(name, spec string, task Task) error {
	if name == "" || task == nil {
		return errors.NewInvalidRequestError("task name and function are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[name]; dup {
		return errors.Wrapf(errors.ErrConflict, "task %s already registered", name)
	}

	e := &entry{name: name, spec: spec, task: task, status: TaskStatus{Name: name, Spec: spec}}
	if spec != "" {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return errors.WithDetail(
				errors.Wrapf(errors.ErrInvalidRequest, "invalid schedule for %s", name),
				err.Error())
		}
		e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.run(e) }))
	}
	s.entries[name] = e
	return nil
}

// Start begins firing schedules. Tasks receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.logger.Infow("Maintenance schedule started", logger.FieldCount, len(s.entries))
}

// Stop halts scheduling, cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.logger.Infow("Maintenance schedule stopped")
}

// RunNow runs a task synchronously, skipping it if it is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("task %s", name)
	}
	return s.execute(ctx, e)
}

func (s *Scheduler) run(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	// failures are logged by execute
	_ = s.execute(ctx, e)
}

// ErrOverlap is returned by RunNow when the task is already running.
var ErrOverlap = errors.Wrap(errors.ErrConflict, "previous run still in progress")

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		s.logger.Debugw("Skipping overlapping run", "task", e.name)
		return ErrOverlap
	}
	e.running = true
	e.mu.Unlock()

	started := s.now().UTC()
	clock := time.Now()
	err := e.task(ctx)
	dur := time.Since(clock)

	e.mu.Lock()
	e.running = false
	e.status.Runs++
	e.status.LastRun = &started
	e.status.LastDur = dur
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
	e.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warnw("Maintenance task failed", "task", e.name,
				logger.FieldDurationMS, dur.Milliseconds(), logger.FieldError, err)
		}
		return err
	}
	s.logger.Debugw("Maintenance task complete", "task", e.name, logger.FieldDurationMS, dur.Milliseconds())
	return nil
}

// Status reports every task, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := e.status
		st.InProgress = e.running
		e.mu.Unlock()
		if e.spec != "" {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				n := next.UTC()
				st.NextRun = &n
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, logger.FieldError, err)...)
}
