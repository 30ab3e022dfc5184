package main

import (
	"flowspec/backend/internal/repository"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := repository.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("schema applied", "database", cfg.DB.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
