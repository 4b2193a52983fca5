package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dental-scribe-server/internal/database"
)

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(func(ctx context.Context, mr *database.MigrationRunner) error {
				if err := mr.Up(ctx); err != nil {
					return err
				}
				return printStatus(cmd, mr)
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the newest migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(func(ctx context.Context, mr *database.MigrationRunner) error {
				if err := mr.Down(ctx, steps); err != nil {
					return err
				}
				return printStatus(cmd, mr)
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "Migrations to roll back")

	status := &cobra.Command{
		Use:     "status",
		Aliases: []string{"version"},
		Short:   "Show the applied schema version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(func(_ context.Context, mr *database.MigrationRunner) error {
				return printStatus(cmd, mr)
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func withMigrations(fn func(context.Context, *database.MigrationRunner) error) error {
	configManager, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mr, err := database.NewMigrationRunner(configManager.GetDatabaseURL(), *configManager.GetDatabaseConfig(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := mr.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close migration runner")
		}
	}()
	return fn(ctx, mr)
}

func printStatus(cmd *cobra.Command, mr *database.MigrationRunner) error {
	st, err := mr.Status()
	if err != nil {
		return err
	}
	dirty := ""
	if st.Dirty {
		dirty = " (dirty: fix the schema, then force a version)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d of %d, %d pending%s\n", st.Version, st.Latest, st.Pending, dirty)
	return nil
}
