package main

import (
	"errors"

	"github.com/spf13/cobra"

	"analytics-agent/backend/internal/repository"
)

func newMigrateCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the run ledger table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			if !cfg.DatabaseEnabled() {
				return errors.New("db.host is not set, nothing to migrate")
			}
			ctx := cmd.Context()

			pool, err := initDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := repository.NewPostgresRunStore(pool).Migrate(ctx); err != nil {
				return err
			}
			logger.Info("Run ledger migrated")
			return nil
		},
	}
}
