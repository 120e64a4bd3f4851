package main

import (
	"github.com/spf13/cobra"

	"session_billing/internal/config"
	"session_billing/internal/logging"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "billingd",
		Short:        "Metered pay-per-minute session billing",
		Long:         "billingd charges clients per minute for live sessions with providers, keeps the balance ledger and triggers auto-reloads.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newRatesCmd(),
	)
	return rootCmd
}

// loadConfig reads the environment and applies the process log level
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}
