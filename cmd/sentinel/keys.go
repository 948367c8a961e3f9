package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mawney.org/sentinel/internal/obs"
)

func newKeysCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage field encryption keys",
	}

	var keyID string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print a fresh 256-bit key entry and index secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keyID == "" {
				keyID = "k" + time.Now().UTC().Format("20060102")
			}
			key, err := randomSecret(32)
			if err != nil {
				return err
			}
			index, err := randomSecret(32)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# prepend to ENCRYPTION_KEYS to make it primary\n%s:%s\n", keyID, key)
			fmt.Fprintf(out, "# only for a new deployment: changing it orphans every email index\nENCRYPTION_INDEX_KEY=%s\n", index)
			return nil
		},
	}
	generate.Flags().StringVar(&keyID, "id", "", "key id (default k<yyyymmdd>)")

	reencrypt := &cobra.Command{
		Use:   "reencrypt",
		Short: "Rewrite every encrypted profile field under the primary key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Stores.DatabaseURL == "" {
				return errors.New("reencrypt needs DATABASE_URL")
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.audit.Start()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = a.audit.Close(ctx)
			}()

			stats, err := a.creds.Reencrypt(cmd.Context())
			if err != nil {
				return err
			}
			obs.Named("keys").Info("reencrypt finished",
				zap.Int("scanned", stats.Scanned),
				zap.Int("rewritten", stats.Rewritten),
				zap.Int("fields", stats.Fields))
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d rewritten=%d fields=%d\n", stats.Scanned, stats.Rewritten, stats.Fields)
			if stats.Rewritten == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no blobs reference retired keys; they can be removed")
			}
			return nil
		},
	}

	cmd.AddCommand(generate, reencrypt)
	return cmd
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
