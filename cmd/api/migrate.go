package main

import (
	"github.com/spf13/cobra"

	"cogspace/api/internal/logging"
	"cogspace/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logging.Init(cfg.Log.Level, cfg.Log.Format)
		ctx := cmd.Context()

		db, dialect, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
			return err
		}
		logging.Info(ctx, "migrations applied", "driver", cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
