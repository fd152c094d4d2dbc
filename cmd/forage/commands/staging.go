package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// StagingCmd groups staging pipeline commands.
var StagingCmd = &cobra.Command{
	Use:   "staging",
	Short: "Enrich and promote staged records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var stagingPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Run one enrichment and promotion pass",
	Long: `Run one pass over ready staging records: enrich each, then merge it into
its canonical record. Records whose resource is quarantined are deferred,
transient failures are retried with backoff and records that exhaust their
retries become terminal.

Worker pools run the same pass on the staging.promote_schedule.`,
	RunE: runStagingPromote,
}

var stagingTerminalCmd = &cobra.Command{
	Use:   "terminal",
	Short: "List records that exhausted their retries",
	RunE:  runStagingTerminal,
}

func init() {
	stagingPromoteCmd.Flags().Int("limit", 0, "Records to consider (default from staging.batch_size)")
	stagingPromoteCmd.Flags().Bool("json", false, "Print the summary as JSON")
	stagingTerminalCmd.Flags().Int("limit", 50, "Records to show")
	StagingCmd.AddCommand(stagingPromoteCmd)
	StagingCmd.AddCommand(stagingTerminalCmd)
}

func runStagingPromote(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		limit = cfg.Staging.BatchSize
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	sum, err := rt.Pipeline.RunOnce(ctx, limit)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return json.NewEncoder(os.Stdout).Encode(sum)
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Considered", "Promoted", "Created", "Retried", "Terminal", "Deferred"},
		{fmt.Sprint(sum.Considered), fmt.Sprint(sum.Promoted), fmt.Sprint(sum.Created),
			fmt.Sprint(sum.Retried), fmt.Sprint(sum.Terminal), fmt.Sprint(sum.Deferred)},
	}).Render()
	return nil
}

func runStagingTerminal(cmd *cobra.Command, args []string) error {
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
	recs, err := rt.Staging.ListTerminal(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		pterm.Info.Println("No terminal staging records")
		return nil
	}
	rows := pterm.TableData{{"ID", "Key", "Resource", "Source", "Retries", "Error"}}
	for _, r := range recs {
		rows = append(rows, []string{fmt.Sprint(r.ID), r.NaturalKey, r.Resource, r.Source, fmt.Sprint(r.RetryCount), r.LastError})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
