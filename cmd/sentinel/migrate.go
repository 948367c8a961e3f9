package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mawney.org/sentinel/internal/migrate"
	"mawney.org/sentinel/internal/store/pg"
	"mawney.org/sentinel/migrations"
)

func newMigrateCmd(load loadFunc) *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert the embedded PostgreSQL schema",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to DATABASE_URL from the config)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	withManager := func(cmd *cobra.Command, fn func(context.Context, *migrate.Manager) error) error {
		if dsn == "" {
			cfg, err := load()
			if err != nil {
				return err
			}
			dsn = cfg.Stores.DatabaseURL
		}
		if dsn == "" {
			return errors.New("missing DSN: provide --dsn or DATABASE_URL")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		store, err := pg.Open(dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		return fn(ctx, migrate.NewManager(store.DB(), migrations.FS))
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					applied, err := m.Up(ctx)
					for _, name := range applied {
						fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
					}
					if err == nil && len(applied) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
					}
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					name, err := m.Down(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "reverted", name)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					applied, err := m.Status(ctx)
					if err != nil {
						return err
					}
					pending, err := m.Pending(ctx)
					if err != nil {
						return err
					}
					for _, name := range applied {
						fmt.Fprintln(cmd.OutOrStdout(), "applied ", name)
					}
					for _, name := range pending {
						fmt.Fprintln(cmd.OutOrStdout(), "pending ", name)
					}
					return nil
				})
			},
		},
	)
	return cmd
}
