package cmd

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/endpoint/internal/infrastructure"
	"example.com/backstage/services/endpoint/internal/store"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the identity store schema",
	Long:  `Creates or updates the kv_entries table used by the sql store backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations(ctx context.Context) error {
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	backend := store.NewSQLBackend(db)
	defer backend.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := backend.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate %T: %w", store.KVEntry{}, err)
	}

	logger.Info("Database migrations completed successfully")
	return nil
}
