package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mawney.org/sentinel/internal/config"
	"mawney.org/sentinel/internal/obs"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "0.1.0"
	commit  = "dev"
)

type loadFunc func() (*config.Config, error)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sentinel:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sentinel",
		Short:         "Security control plane: tokens, access control, audit and threat monitoring",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (env CONFIG_PATH)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		obs.InitLogger(obs.LogConfig{
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Service: "sentinel",
			Version: version,
		})
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newKeysCmd(load),
		newAuditCmd(load),
	)
	return root
}
