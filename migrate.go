package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus-im/miniblog/store/schema"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.InMemory() {
				return fmt.Errorf("migrate needs a Postgres database url")
			}

			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := schema.Apply(cmd.Context(), db); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			logger.Info("schema applied")
			return nil
		},
	}
	cmd.Flags().String("database-url", "", "Postgres DSN")
	return cmd
}
