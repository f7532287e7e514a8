package main

import (
	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/state"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := state.NewStore(db).ApplyMigrations(ctx)
		if err != nil {
			return err
		}
		observability.NewLogger("migrate").Info("migrations applied", "event", "migrations_applied", "applied", applied)
		return nil
	},
}
