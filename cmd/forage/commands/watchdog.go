package commands

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/forage/am"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/watchdog"
	"github.com/teranos/forage/server"
)

// WatchdogCmd groups watchdog commands.
var WatchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Run the self-healing watchdog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var watchdogRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Supervise workers and shared services",
	Long: `Run the watchdog as a long-lived process.

Every interval it checks worker heartbeats, failure rates, the automation
process count, system memory and the configured shared services. A condition
must be observed several times within its window before the responsible
service is restarted, restarts of one service are rate limited by a cooldown,
and every restart is verified after a delay. Every detection and action is
appended to the watchdog event log.

Editing the config file retunes the rules without a restart.

Examples:
  forage watchdog run
  forage watchdog run --dry-run          # observe and log, never restart
  forage watchdog run --once --json      # one tick, print the report`,
	RunE: runWatchdog,
}

var watchdogEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent watchdog events",
	RunE:  runWatchdogEvents,
}

func init() {
	watchdogRunCmd.Flags().Bool("dry-run", false, "Observe only, never restart anything")
	watchdogRunCmd.Flags().Bool("once", false, "Run a single tick and exit")
	watchdogRunCmd.Flags().Bool("json", false, "With --once, print the report as JSON")
	watchdogRunCmd.Flags().String("admin", "", "Serve /healthz, /status and /metrics on this address")
	watchdogEventsCmd.Flags().Int("limit", 20, "Number of events to show")
	watchdogEventsCmd.Flags().String("type", "", "Only this event type (detection, action, suppressed, verification)")
	WatchdogCmd.AddCommand(watchdogRunCmd)
	WatchdogCmd.AddCommand(watchdogEventsCmd)
}

// watchdogRules applies the configured thresholds to the built-in rule set.
func watchdogRules(cfg am.WatchdogConfig) []watchdog.Rule {
	rules := watchdog.DefaultRules()
	for i := range rules {
		if cfg.Occurrences > 0 {
			rules[i].Occurrences = cfg.Occurrences
		}
		if cfg.WindowSeconds > 0 {
			rules[i].Window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		if cfg.CooldownSeconds > 0 {
			rules[i].Cooldown = time.Duration(cfg.CooldownSeconds) * time.Second
		}
		if cfg.VerifyDelaySeconds > 0 {
			rules[i].VerifyAfter = time.Duration(cfg.VerifyDelaySeconds) * time.Second
		}
	}
	return rules
}

// watchdogProbes builds one probe per configured signal.
func watchdogProbes(rt *runtime, cfg am.WatchdogConfig, retention time.Duration) []watchdog.Probe {
	probes := []watchdog.Probe{
		&watchdog.HeartbeatProbe{Store: rt.Heartbeats, Services: cfg.WorkerServices, Retention: retention},
	}
	if cfg.FailureRate > 0 {
		probes = append(probes, &watchdog.FailureRateProbe{
			Store:     rt.Heartbeats,
			Services:  cfg.WorkerServices,
			MaxRate:   cfg.FailureRate,
			MinSample: cfg.MinSample,
		})
	}
	if cfg.ProcessName != "" && cfg.MaxProcesses > 0 {
		probes = append(probes, &watchdog.ProcessProbe{
			Process: cfg.ProcessName,
			Max:     cfg.MaxProcesses,
			Service: cfg.ProcessService,
		})
	}
	if cfg.MaxMemoryPercent > 0 {
		probes = append(probes, &watchdog.MemoryProbe{MaxPercent: cfg.MaxMemoryPercent, Service: cfg.MemoryService})
	}
	for _, svc := range cfg.Services {
		probes = append(probes, &watchdog.ServiceProbe{Service: svc.Name, URL: svc.URL, Addr: svc.Address})
	}
	return probes
}

func runWatchdog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	once, _ := cmd.Flags().GetBool("once")
	adminAddr, _ := cmd.Flags().GetString("admin")

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var sup watchdog.Supervisor
	if !dryRun && cfg.Watchdog.RestartCommand != "" {
		cs, err := watchdog.NewCommandSupervisor(cfg.Watchdog.RestartCommand, 2*time.Minute)
		if err != nil {
			return err
		}
		sup = cs
	}

	wd, err := watchdog.New(
		watchdogProbes(rt, cfg.Watchdog, time.Duration(cfg.Worker.RetentionSeconds)*time.Second),
		watchdogRules(cfg.Watchdog),
		sup,
		watchdog.NewEventStore(rt.db),
		am.Seconds(cfg.Watchdog.IntervalSeconds, time.Minute),
		rt.log)
	if err != nil {
		return err
	}
	wd.SetMetrics(rt.Metrics)

	if once {
		rep, err := wd.Tick(ctx)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return json.NewEncoder(os.Stdout).Encode(rep)
		}
		pterm.Printf("%s detections=%d actions=%d suppressed=%d verified=%d\n",
			pterm.LightCyan("watchdog"), rep.Detections, rep.Actions, rep.Suppressed, rep.Verified)
		return nil
	}

	if path := am.ConfigPath(); path != "" {
		cw, err := am.NewConfigWatcher(path, rt.log)
		if err != nil {
			rt.log.Warnw("Config reload disabled", logger.FieldError, err)
		} else {
			cw.OnReload(func(next *am.Config) error {
				return wd.SetRules(watchdogRules(next.Watchdog))
			})
			cw.Start()
			defer cw.Stop()
		}
	}

	var admin *server.Server
	if adminAddr != "" {
		admin = server.New(adminAddr, rt.collector(), rt.Metrics, rt.log)
		if err := admin.Start(); err != nil {
			return err
		}
	}

	wd.Start(ctx)
	mode := "restarting via " + cfg.Watchdog.RestartCommand
	if sup == nil {
		mode = "observe only"
	}
	pterm.Printf("%s watchdog (%s), press Ctrl+C to stop\n", pterm.LightCyan("Running"), mode)

	<-ctx.Done()

	if admin != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		_ = admin.Shutdown(shutdownCtx)
		cancelShutdown()
	}
	wd.Stop()
	return nil
}

func runWatchdogEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	typ, _ := cmd.Flags().GetString("type")
	events, err := watchdog.NewEventStore(rt.db).Recent(cmd.Context(), watchdog.EventType(typ), limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		pterm.Info.Println("No watchdog events")
		return nil
	}

	rows := pterm.TableData{{"Time", "Type", "Severity", "Service", "Action", "OK"}}
	for _, ev := range events {
		ok := ""
		if ev.ActionSuccess != nil {
			ok = pterm.Red("no")
			if *ev.ActionSuccess {
				ok = pterm.Green("yes")
			}
		}
		rows = append(rows, []string{
			ev.CreatedAt.Local().Format("01-02 15:04:05"),
			string(ev.Type),
			string(ev.Severity),
			ev.Service,
			ev.Action,
			ok,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
