package staging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/entity"
	"github.com/teranos/forage/pulse/envelope"
	"github.com/teranos/forage/pulse/quarantine"
	"github.com/teranos/forage/pulse/task"
)

// Enricher completes a staged record, usually by calling an external resource.
// Errors wrapped with task.NoRetry make the record terminal immediately.
type Enricher interface {
	Enrich(ctx context.Context, rec *Record, deadline task.Deadline) (entity.Fields, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, rec *Record, deadline task.Deadline) (entity.Fields, error)

func (f EnricherFunc) Enrich(ctx context.Context, rec *Record, deadline task.Deadline) (entity.Fields, error) {
	return f(ctx, rec, deadline)
}

// Breaker is the quarantine surface the pipeline needs.
type Breaker interface {
	IsQuarantined(ctx context.Context, resource string) (bool, error)
	RecordErrorEvent(ctx context.Context, resource string, code quarantine.ErrorCode) (bool, error)
	RecordSuccess(ctx context.Context, resource string) error
}

// Executor runs work inside the execution envelope.
type Executor interface {
	Run(ctx context.Context, spec envelope.Spec, fn envelope.Func) (*task.Result, error)
}

// Summary reports one RunOnce pass.
type Summary struct {
	Considered int `json:"considered"`
	Promoted   int `json:"promoted"`
	Created    int `json:"created"`
	Retried    int `json:"retried"`
	Terminal   int `json:"terminal"`
	Deferred   int `json:"deferred"`
}

// Pipeline enriches and promotes ready staging records.
type Pipeline struct {
	store    *Store
	enricher Enricher
	breaker  Breaker
	executor Executor
	logger   *zap.SugaredLogger

	// DeferFor is how far a record against a quarantined resource is pushed back.
	DeferFor time.Duration
	// Module names the enrichment in the job tracking log.
	Module string
}

// NewPipeline creates a pipeline. enricher, breaker and executor may be nil:
// without an enricher records are promoted as staged, without a breaker no
// quarantine is consulted, without an executor enrichment runs inline.
func NewPipeline(store *Store, enricher Enricher, breaker Breaker, executor Executor, log *zap.SugaredLogger) *Pipeline {
	if log == nil {
		log = logger.Logger
	}
	return &Pipeline{
		store:    store,
		enricher: enricher,
		breaker:  breaker,
		executor: executor,
		logger:   log.Named("staging"),
		DeferFor: 5 * time.Minute,
		Module:   "enrich",
	}
}

// RunOnce processes up to limit ready records. Per-record failures become
// scheduling decisions; only store errors are returned.
func (p *Pipeline) RunOnce(ctx context.Context, limit int) (*Summary, error) {
	ready, err := p.store.GetReady(ctx, limit)
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	for _, rec := range ready {
		if ctx.Err() != nil {
			break
		}
		sum.Considered++
		if err := p.process(ctx, rec, sum); err != nil {
			return sum, err
		}
	}

	if sum.Considered > 0 {
		p.logger.Infow("Staging pass complete",
			"considered", sum.Considered,
			"promoted", sum.Promoted,
			"created", sum.Created,
			"retried", sum.Retried,
			"terminal", sum.Terminal,
			"deferred", sum.Deferred)
	}
	return sum, nil
}

func (p *Pipeline) process(ctx context.Context, rec *Record, sum *Summary) error {
	log := p.logger.With(logger.FieldStagingID, rec.ID, logger.FieldNaturalKey, rec.NaturalKey)

	if p.breaker != nil && rec.Resource != "" {
		q, err := p.breaker.IsQuarantined(ctx, rec.Resource)
		if err != nil {
			return err
		}
		if q {
			sum.Deferred++
			log.Debugw("Resource quarantined, deferring", logger.FieldResource, rec.Resource)
			return p.store.Defer(ctx, rec, p.store.clock().Add(p.DeferFor))
		}
	}

	enrichment, err := p.enrich(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.recordError(ctx, rec, err)
		if task.IsNoRetry(err) {
			sum.Terminal++
			log.Warnw("Staging record dropped", logger.FieldError, err.Error())
			return p.store.DropTerminal(ctx, rec, err)
		}
		terminal, serr := p.store.ScheduleRetry(ctx, rec, err)
		if serr != nil {
			return serr
		}
		if terminal {
			sum.Terminal++
			log.Warnw("Staging record exhausted its retries",
				logger.FieldAttempt, rec.RetryCount,
				logger.FieldError, err.Error())
		} else {
			sum.Retried++
			log.Infow("Staging record scheduled for retry",
				logger.FieldAttempt, rec.RetryCount,
				logger.FieldRetryAt, rec.NextRetryAt,
				logger.FieldError, err.Error())
		}
		return nil
	}

	id, created, err := p.store.Promote(ctx, rec, enrichment)
	if err != nil {
		return err
	}
	sum.Promoted++
	if created {
		sum.Created++
	}
	if p.breaker != nil && rec.Resource != "" {
		if err := p.breaker.RecordSuccess(ctx, rec.Resource); err != nil {
			log.Warnw("Failed to record success", logger.FieldError, err)
		}
	}
	log.Debugw("Promoted", "canonical_id", id, "created", created)
	return nil
}

func (p *Pipeline) enrich(ctx context.Context, rec *Record) (entity.Fields, error) {
	if p.enricher == nil {
		return entity.Fields{}, nil
	}
	if p.executor == nil {
		return p.enricher.Enrich(ctx, rec, task.Unbounded())
	}

	// abandoned work keeps its own copy of the record
	snapshot := *rec
	var out entity.Fields
	_, err := p.executor.Run(ctx, envelope.Spec{
		UnitKey:    rec.NaturalKey,
		Module:     p.Module,
		RunType:    envelope.RunUnit,
		RetryCount: rec.RetryCount,
	}, func(ctx context.Context, d task.Deadline) (*task.Result, error) {
		f, err := p.enricher.Enrich(ctx, &snapshot, d)
		if err != nil {
			return nil, err
		}
		out = f
		return &task.Result{RecordsUpdated: 1}, nil
	})
	if err != nil {
		return entity.Fields{}, err
	}
	return out, nil
}

func (p *Pipeline) recordError(ctx context.Context, rec *Record, err error) {
	if p.breaker == nil || rec.Resource == "" {
		return
	}
	code, ok := quarantine.ClassifyError(err)
	if !ok {
		return
	}
	if _, qerr := p.breaker.RecordErrorEvent(ctx, rec.Resource, code); qerr != nil {
		p.logger.Warnw("Failed to record error event", logger.FieldResource, rec.Resource, logger.FieldError, qerr)
	}
}
