package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/forage/am"
	"github.com/teranos/forage/db"
	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
)

// DbCmd groups database maintenance commands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
	Long: `Database maintenance.

Examples:
  forage db migrate               # Apply pending migrations
  forage db where                 # Show which store is configured`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		h, err := db.OpenFromConfig(cfg.Database, logger.Logger)
		if err != nil {
			return errors.Wrap(err, "failed to migrate database")
		}
		defer h.Close()
		pterm.Success.Printf("Database %s is up to date\n", describeDatabase(cfg.Database))
		return nil
	},
}

var dbWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pterm.Println(describeDatabase(cfg.Database))
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbWhereCmd)
}

// describeDatabase never prints the postgres DSN, which may carry a password.
func describeDatabase(c am.DatabaseConfig) string {
	if c.Driver == am.DriverPostgres {
		return "postgres"
	}
	return "sqlite " + c.Path
}
