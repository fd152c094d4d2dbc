package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/forage/am"
	"github.com/teranos/forage/errors"
)

// AmCmd shows and checks the configuration.
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show configuration",
	Long: `Show and validate the effective configuration.

Configuration sources (in order of precedence):
1. Environment variables (FORAGE_* prefix, e.g. FORAGE_DATABASE_DSN)
2. The file given by --config, else forage.toml searched upward
3. Default values

Examples:
  forage am show                  # Effective configuration as TOML
  forage am show --format json
  forage am validate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			pterm.Error.Println(err.Error())
			return err
		}
		pterm.Success.Printf("Configuration valid (%s)\n", configSource())
		return nil
	},
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json")
	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "toml":
		data, err := am.Render(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# forage configuration (%s)\n%s", configSource(), data)
		return nil
	default:
		return errors.NewInvalidRequestError(fmt.Sprintf("unsupported format %q (supported: toml, json)", format))
	}
}

func configSource() string {
	if path := am.ConfigPath(); path != "" {
		return path
	}
	return "defaults"
}
