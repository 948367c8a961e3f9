package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mawney.org/sentinel/internal/audit"
)

func newAuditCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log maintenance",
	}

	var subjects bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Run the retention purge once",
		Long: "Deletes audit events older than AUDIT_RETENTION_DAYS. With --subjects it also\n" +
			"hard-deletes subjects soft-deleted longer than DATA_DELETION_RETENTION_DAYS ago.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Stores.DatabaseURL == "" {
				return errors.New("audit purge needs DATABASE_URL")
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			n, err := audit.RetentionJob{Purger: a.purger(), Retention: cfg.Audit.Retention()}.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "audit events removed: %d\n", n)

			if subjects {
				// PurgeExpired records an audit event, so the log must be running.
				a.audit.Start()
				defer func() { _ = a.audit.Close(context.Background()) }()
				removed, err := a.creds.PurgeExpired(ctx, cfg.Data.DeletionRetention())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted subjects purged: %d\n", removed)
			}
			return nil
		},
	}
	purge.Flags().BoolVar(&subjects, "subjects", false, "also purge expired soft-deleted subjects")

	cmd.AddCommand(purge)
	return cmd
}
