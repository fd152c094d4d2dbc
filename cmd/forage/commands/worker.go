package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/forage/am"
	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/async"
	"github.com/teranos/forage/pulse/heartbeat"
	"github.com/teranos/forage/pulse/target"
	"github.com/teranos/forage/server"
)

// WorkerCmd groups worker pool commands.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker pool in the foreground",
	Long: `Start a worker pool in the foreground.

The pool will:
- Register its heartbeat and reclaim targets its previous run left behind
- Reclaim targets whose lease expired on any worker
- Claim targets, walk their cursors and release them done, failed or for retry
- Run the orphan sweep, stuck execution sweep and staging promotion on schedule
- Release in-flight targets for retry on Ctrl+C or SIGTERM

Editing the config file retunes the quarantine policy and the staging backoff
without a restart.

Examples:
  forage worker start --workers 4
  forage worker start --limit 10                # stop after ten claims
  forage worker start --test                    # one claim per worker, then exit
  forage worker start --module browser --type browser --admin :9090`,
	RunE: runWorkerStart,
}

func init() {
	f := workerStartCmd.Flags()
	f.Int("workers", 0, "Concurrent workers (default from worker.workers)")
	f.Int("limit", 0, "Stop after this many claims, 0 = unlimited")
	f.Bool("test", false, "Claim at most one target per worker, then exit")
	f.String("name", "", "Worker name (default from worker.name, else <host>-<pid>)")
	f.String("type", "", "Worker type reported in heartbeats (default from worker.type)")
	f.StringSlice("module", nil, "Only claim targets of these modules")
	f.StringSlice("group", nil, "Only claim targets in these group keys")
	f.String("admin", "", "Serve /healthz, /status and /metrics on this address")
	WorkerCmd.AddCommand(workerStartCmd)
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()

	workers, _ := flags.GetInt("workers")
	if workers <= 0 {
		workers = cfg.Worker.Workers
	}
	limit, _ := flags.GetInt("limit")
	testMode, _ := flags.GetBool("test")
	name, _ := flags.GetString("name")
	if name == "" {
		name = defaultWorkerName(cfg)
	}
	workerType, _ := flags.GetString("type")
	if workerType == "" {
		workerType = cfg.Worker.Type
	}
	modules, _ := flags.GetStringSlice("module")
	if len(modules) == 0 {
		modules = cfg.Worker.Modules
	}
	groups, _ := flags.GetStringSlice("group")
	if len(groups) == 0 {
		groups = cfg.Worker.GroupKeys
	}
	adminAddr, _ := flags.GetString("admin")
	if adminAddr == "" {
		adminAddr = cfg.Server.Addr
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, m := range modules {
		if rt.Modules.Get(m) == nil {
			return errors.NewInvalidRequestError(fmt.Sprintf("unknown module %q (available: %s)", m, strings.Join(rt.Modules.Names(), ", ")))
		}
	}

	host, _ := os.Hostname()
	hb := heartbeat.NewManager(rt.Heartbeats, heartbeat.Registration{
		Name:   name,
		Type:   workerType,
		PID:    os.Getpid(),
		Host:   host,
		Config: fmt.Sprintf("workers=%d modules=%s groups=%s limit=%d test=%t", workers, strings.Join(modules, ","), strings.Join(groups, ","), limit, testMode),
	}, am.Seconds(cfg.Worker.HeartbeatIntervalSeconds, 30*time.Second), heartbeat.NewSystemdNotifier(), rt.log)

	poolCfg := async.DefaultWorkerPoolConfig()
	poolCfg.Name = name
	poolCfg.Workers = workers
	poolCfg.PollInterval = am.Seconds(cfg.Worker.PollIntervalSeconds, poolCfg.PollInterval)
	poolCfg.ClaimRate = cfg.Worker.ClaimsPerSecond
	poolCfg.Filter = target.Filter{GroupKeys: groups, Modules: modules}
	poolCfg.Limit = limit
	poolCfg.Test = testMode
	poolCfg.OrphanSweep = cfg.Worker.OrphanSweep
	poolCfg.HeartbeatRetention = time.Duration(cfg.Worker.RetentionSeconds) * time.Second
	poolCfg.StuckSweep = cfg.Envelope.StuckSweep
	poolCfg.PromoteSweep = cfg.Staging.PromoteSchedule
	poolCfg.PromoteBatch = cfg.Staging.BatchSize
	// Renew well inside the lease so one slow renewal does not orphan a claim.
	poolCfg.LeaseRenewInterval = rt.Targets.LeaseTimeout() / 4

	pool, err := async.NewWorkerPool(ctx, async.Deps{
		Targets:   rt.Targets,
		Cursors:   rt.Cursors,
		Envelope:  rt.Envelope,
		Modules:   rt.Modules,
		Tracker:   rt.Tracker,
		Staging:   rt.Staging,
		Pipeline:  rt.Pipeline,
		Breaker:   rt.Breaker,
		Heartbeat: hb,
		Scheduler: rt.Scheduler,
		Metrics:   rt.Metrics,
	}, poolCfg, rt.log)
	if err != nil {
		return err
	}

	pterm.Printf("%s worker pool %s with %d worker(s)\n", pterm.LightCyan("Starting"), pterm.Yellow(name), workers)
	if err := pool.Start(); err != nil {
		return err
	}

	if path := am.ConfigPath(); path != "" {
		cw, err := am.NewConfigWatcher(path, rt.log)
		if err != nil {
			rt.log.Warnw("Config reload disabled", logger.FieldError, err)
		} else {
			cw.OnReload(rt.applyReload)
			cw.Start()
			defer cw.Stop()
		}
	}

	var admin *server.Server
	if adminAddr != "" {
		admin = server.New(adminAddr, rt.collector(), rt.Metrics, rt.log)
		admin.AddPool(pool)
		if err := admin.Start(); err != nil {
			pool.Stop(err)
			return err
		}
		pterm.Printf("  %s http://%s/status\n", pterm.Gray("admin"), admin.Addr())
	}

	pterm.Printf("  %s %s\n", pterm.Gray("modules"), strings.Join(rt.Modules.Names(), ", "))
	pterm.Printf("  %s %v\n", pterm.Gray("poll"), poolCfg.PollInterval)
	if limit > 0 {
		pterm.Printf("  %s %d claims\n", pterm.Gray("limit"), limit)
	}
	if testMode {
		pterm.Printf("  %s one claim per worker\n", pterm.Gray("test"))
	}
	pterm.Println()

	select {
	case <-ctx.Done():
		pterm.Info.Println("Shutting down, releasing in-flight targets...")
	case <-pool.Done():
	}

	// Reverse start order: stop serving, then drain workers.
	if admin != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		if err := admin.Shutdown(shutdownCtx); err != nil {
			rt.log.Warnw("Admin server shutdown failed", logger.FieldError, err)
		}
		cancelShutdown()
	}
	pool.Stop(nil)

	st := pool.Stats()
	pterm.Success.Printf("Worker pool %s stopped after %d claim(s), %d processed in %s\n",
		st.Name, st.Claimed, st.Processed, st.Uptime.Round(time.Second))
	return nil
}

// defaultWorkerName is <host>-<pid> unless configured.
func defaultWorkerName(cfg *am.Config) string {
	if cfg.Worker.Name != "" {
		return cfg.Worker.Name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "forage"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
