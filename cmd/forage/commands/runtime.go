package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/forage/am"
	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/internal/httpclient"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/modules/browser"
	"github.com/teranos/forage/modules/linkcrawl"
	"github.com/teranos/forage/pulse/cursor"
	"github.com/teranos/forage/pulse/envelope"
	"github.com/teranos/forage/pulse/heartbeat"
	"github.com/teranos/forage/pulse/metrics"
	"github.com/teranos/forage/pulse/quarantine"
	"github.com/teranos/forage/pulse/schedule"
	"github.com/teranos/forage/pulse/staging"
	"github.com/teranos/forage/pulse/status"
	"github.com/teranos/forage/pulse/target"
	"github.com/teranos/forage/pulse/task"
	"github.com/teranos/forage/version"
)

// runtime holds every store and service built from one configuration.
type runtime struct {
	cfg    *am.Config
	log    *zap.SugaredLogger
	db     *db.Handle
	redis  *redis.Client
	closer []func() error

	Targets    *target.Store
	Cursors    *cursor.Store
	Tracker    *envelope.Tracker
	Envelope   *envelope.Runner
	Staging    *staging.Store
	Breaker    *quarantine.Breaker
	Heartbeats *heartbeat.Store
	Metrics    *metrics.Metrics
	Scheduler  *schedule.Scheduler
	Modules    *task.Registry
	Pipeline   *staging.Pipeline
	HTTP       *httpclient.SaferClient
}

// loadConfig loads forage.toml (or the --config file).
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// openRuntime opens the database (running migrations) and builds the stores.
func openRuntime(cfg *am.Config) (*runtime, error) {
	log := logger.ComponentLogger("forage")
	h, err := db.OpenFromConfig(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: log, db: h, Metrics: metrics.New()}
	rt.closer = append(rt.closer, h.Close)

	if err := rt.build(); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) build() error {
	cfg := rt.cfg

	rt.Targets = target.NewStore(rt.db, am.Seconds(cfg.Worker.LeaseTimeoutSeconds, 5*time.Minute))
	rt.Cursors = cursor.NewStore(rt.db, cursor.Limits{
		MaxQueueSize:   cfg.Cursor.MaxQueueSize,
		MaxVisited:     cfg.Cursor.MaxVisited,
		ErrorThreshold: cfg.Cursor.ErrorThreshold,
		UnitAttempts:   cfg.Cursor.UnitAttempts,
	})
	rt.Tracker = envelope.NewTracker(rt.db)
	rt.Envelope = envelope.NewRunner(rt.Tracker, envelope.Config{
		PoolSize:     cfg.Envelope.PoolSize,
		HardTimeout:  am.Seconds(cfg.Envelope.HardTimeoutSeconds, 5*time.Minute),
		SafetyMargin: am.Seconds(cfg.Envelope.SafetyMarginSeconds, 30*time.Second),
	}, rt.log)
	rt.Heartbeats = heartbeat.NewStore(rt.db, am.Seconds(cfg.Worker.StaleAfterSeconds, 2*time.Minute))

	stagingCfg, err := stagingConfig(cfg.Staging)
	if err != nil {
		return err
	}
	rt.Staging = staging.NewStore(rt.db, stagingCfg)

	breaker, err := rt.openBreaker()
	if err != nil {
		return err
	}
	rt.Breaker = breaker

	rt.Scheduler = schedule.New(rt.log)

	rt.HTTP = httpclient.NewSaferClientWithOptions(30*time.Second, httpclient.Options{
		UserAgent: fmt.Sprintf("Mozilla/5.0 (compatible; %s)", version.Get().UserAgentSuffix()),
	})
	rt.Modules = task.NewRegistry()
	rt.Modules.Register(linkcrawl.New(rt.HTTP, linkcrawl.DefaultConfig(), rt.log))
	rt.Modules.Register(browser.New(browser.OpenChrome(browser.ChromeOptions{
		NoSandbox: os.Geteuid() == 0,
	}), browser.DefaultConfig(), rt.log))

	rt.Pipeline = staging.NewPipeline(rt.Staging, linkcrawl.Enricher(rt.HTTP), rt.Breaker, rt.Envelope, rt.log)
	return nil
}

func stagingConfig(cfg am.StagingConfig) (staging.Config, error) {
	backoff, err := am.ParseSchedule(cfg.Backoff)
	if err != nil {
		return staging.Config{}, errors.Wrap(err, "staging.backoff")
	}
	return staging.Config{Backoff: backoff, MaxRetry: cfg.MaxRetry}, nil
}

func quarantinePolicy(cfg am.QuarantineConfig) (quarantine.Policy, error) {
	sched, err := am.ParseSchedule(cfg.Schedule)
	if err != nil {
		return quarantine.Policy{}, errors.Wrap(err, "quarantine.schedule")
	}
	policy := quarantine.Policy{
		Window:    am.Seconds(cfg.WindowSeconds, 10*time.Minute),
		Threshold: cfg.Threshold,
		Schedule:  sched,
	}
	return policy, policy.Validate()
}

// applyReload retunes the quarantine policy and staging backoff from a
// reloaded config. The backend and everything else need a restart.
func (rt *runtime) applyReload(next *am.Config) error {
	policy, err := quarantinePolicy(next.Quarantine)
	if err != nil {
		return err
	}
	stagingCfg, err := stagingConfig(next.Staging)
	if err != nil {
		return err
	}
	if err := rt.Breaker.SetPolicy(policy); err != nil {
		return err
	}
	return rt.Staging.SetConfig(stagingCfg)
}

// openBreaker builds the quarantine breaker on the configured backend.
func (rt *runtime) openBreaker() (*quarantine.Breaker, error) {
	cfg := rt.cfg.Quarantine
	policy, err := quarantinePolicy(cfg)
	if err != nil {
		return nil, err
	}

	var store quarantine.Store
	switch cfg.Backend {
	case am.QuarantineBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.Wrapf(err, "failed to reach redis at %s", cfg.RedisAddr)
		}
		rt.redis = client
		rt.closer = append(rt.closer, client.Close)
		// Entries outlive the longest quarantine so the retry attempt survives it.
		store = quarantine.NewRedisStore(client, policy.Schedule[len(policy.Schedule)-1]+policy.Window)
	default:
		store = quarantine.NewSQLStore(rt.db)
	}
	return quarantine.NewBreaker(store, policy, rt.log), nil
}

// collector builds the status collector over every store.
func (rt *runtime) collector() *status.Collector {
	c := status.NewCollector(rt.Targets, rt.Heartbeats)
	c.Staging = rt.Staging
	c.Breaker = rt.Breaker
	c.Tracker = rt.Tracker
	c.Scheduler = rt.Scheduler
	if rt.cfg.Watchdog.FailureRate > 0 {
		c.Thresholds.UnhealthyFailureRate = rt.cfg.Watchdog.FailureRate
	}
	if rt.cfg.Watchdog.MinSample > 0 {
		c.Thresholds.MinSample = rt.cfg.Watchdog.MinSample
	}
	return c
}

// Close releases connections in reverse order.
func (rt *runtime) Close() {
	for i := len(rt.closer) - 1; i >= 0; i-- {
		if err := rt.closer[i](); err != nil {
			rt.log.Debugw("Close failed", logger.FieldError, err)
		}
	}
	rt.closer = nil
}
