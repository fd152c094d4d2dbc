package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/forage/am"
	"github.com/teranos/forage/cmd/forage/commands"
	"github.com/teranos/forage/logger"
)

var rootCmd = &cobra.Command{
	Use:   "forage",
	Short: "forage - resumable crawl orchestration",
	Long: `forage - resumable, lease-based job orchestration for data collection.

Workers claim targets from a shared store, walk them unit by unit through a
checkpoint cursor, stage what they find and promote it into canonical records.
A watchdog restarts stuck services.

Available commands:
  worker   - Run a worker pool
  status   - Show workers, targets, staging and quarantines
  watchdog - Run the self-healing watchdog
  seed     - Add targets
  staging  - Enrich and promote staged records
  db       - Database maintenance
  am       - Show configuration
  version  - Show build information

Examples:
  forage worker start --workers 4      # Run four workers until interrupted
  forage worker start --test           # Claim one target per worker and exit
  forage status                        # One-screen operational summary
  forage watchdog run                  # Supervise workers`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			am.SetConfigFile(path)
		}
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetLevel(logger.VerbosityToLevel(verbosity))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: forage.toml searched upward from the working directory)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs (for process supervisors)")

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.WatchdogCmd)
	rootCmd.AddCommand(commands.SeedCmd)
	rootCmd.AddCommand(commands.StagingCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
