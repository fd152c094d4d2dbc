package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/forage/pulse/envelope"
	"github.com/teranos/forage/pulse/heartbeat"
	"github.com/teranos/forage/pulse/status"
	"github.com/teranos/forage/pulse/target"
)

// StatusCmd prints a one-screen operational summary.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workers, targets, staging and quarantines",
	Long: `Show a one-screen operational summary read from the shared store:
worker heartbeats (a running worker whose heartbeat is too old shows as stale),
target counts by state, staging backlog, active quarantines, executions in the
last 24 hours and an overall health judgement.

Exit status is 0 when healthy or degraded and 2 when unhealthy.`,
	RunE: runStatus,
}

func init() {
	StatusCmd.Flags().Bool("json", false, "Output the snapshot as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	snap, err := rt.collector().Collect(cmd.Context())
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	} else {
		renderStatus(snap)
	}

	if snap.Health == status.HealthUnhealthy {
		rt.Close()
		os.Exit(2)
	}
	return nil
}

func renderStatus(snap *status.Snapshot) {
	pterm.DefaultSection.Println("Workers")
	if len(snap.Workers) == 0 {
		pterm.Println(pterm.Gray("  no workers registered"))
	} else {
		rows := pterm.TableData{{"Name", "Type", "Status", "Heartbeat", "Units", "Done", "Failed", "Current"}}
		for _, w := range snap.Workers {
			rows = append(rows, []string{
				w.Name,
				w.Type,
				colorWorkerStatus(w.Status),
				ago(snap.GeneratedAt, w.LastHeartbeat),
				fmt.Sprint(w.UnitsProcessed),
				fmt.Sprint(w.JobsCompleted),
				fmt.Sprint(w.JobsFailed),
				w.CurrentUnit,
			})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	pterm.DefaultSection.Println("Targets")
	rows := pterm.TableData{{"Status", "Count"}}
	for _, st := range []target.Status{target.StatusPlanned, target.StatusInProgress, target.StatusDone, target.StatusFailed} {
		rows = append(rows, []string{string(st), fmt.Sprint(snap.Targets[st])})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	pterm.DefaultSection.Println("Staging")
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Ready", "Waiting", "Terminal", "Canonical"},
		{fmt.Sprint(snap.Staging.Ready), fmt.Sprint(snap.Staging.Waiting), fmt.Sprint(snap.Staging.Terminal), fmt.Sprint(snap.Canonical)},
	}).Render()

	if len(snap.Quarantines) > 0 {
		pterm.DefaultSection.Println("Quarantines")
		rows := pterm.TableData{{"Resource", "Reason", "Until", "Attempt"}}
		for _, q := range snap.Quarantines {
			until := ""
			if q.QuarantinedUntil != nil {
				until = q.QuarantinedUntil.Local().Format("2006-01-02 15:04")
			}
			rows = append(rows, []string{q.Resource, string(q.Reason), until, fmt.Sprint(q.RetryAttempt)})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	if len(snap.Executions) > 0 {
		pterm.DefaultSection.Println("Executions (24h)")
		statuses := make([]envelope.Status, 0, len(snap.Executions))
		for st := range snap.Executions {
			statuses = append(statuses, st)
		}
		sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
		rows := pterm.TableData{{"Status", "Count"}}
		for _, st := range statuses {
			rows = append(rows, []string{string(st), fmt.Sprint(snap.Executions[st])})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	pterm.Println()
	switch snap.Health {
	case status.HealthHealthy:
		pterm.Success.Println("healthy")
	case status.HealthDegraded:
		pterm.Warning.Println("degraded")
	default:
		pterm.Error.Println("unhealthy")
	}
	for _, r := range snap.Reasons {
		pterm.Printf("  %s %s\n", pterm.Gray("→"), r)
	}
}

func colorWorkerStatus(s heartbeat.Status) string {
	switch s {
	case heartbeat.StatusRunning:
		return pterm.Green(string(s))
	case heartbeat.StatusStale, heartbeat.StatusFailed:
		return pterm.Red(string(s))
	default:
		return pterm.Gray(string(s))
	}
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}
