package cmd

import (
	"fmt"

	"github.com/ci-exporter/internal/logging"
	"github.com/ci-exporter/internal/storage"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the Postgres job store schema",
	Long:      `Apply, roll back or inspect the embedded Postgres migrations. The SQLite store migrates itself on open.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Driver != "postgres" {
			return fmt.Errorf("migrate requires STORE_DRIVER=postgres, got %q", cfg.Store.Driver)
		}
		databaseURL := cfg.Store.Postgres.URL()

		switch args[0] {
		case "up":
			logging.Info("Running Postgres migrations...")
			if err := storage.RunMigrations(databaseURL); err != nil {
				return err
			}
			logging.Info("Postgres migrations completed successfully")
		case "down":
			logging.Info("Rolling back Postgres migration...")
			if err := storage.RollbackMigrations(databaseURL); err != nil {
				return err
			}
			logging.Info("Postgres migration rolled back successfully")
		case "version":
			version, dirty, err := storage.MigrationVersion(databaseURL)
			if err != nil {
				return err
			}
			cmd.Printf("Current Postgres migration version: %d (dirty: %v)\n", version, dirty)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
