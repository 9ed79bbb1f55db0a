package main

import (
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingkit/pkg/config"
)

func newRootCmd() *cobra.Command {
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Billing event reconciliation and usage metering",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadEnv(envFiles...)
		},
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newPlansCmd(),
		newPruneLedgerCmd(),
		newCheckoutCmd(),
		newPortalCmd(),
		newUsageCmd(),
		newDeadLettersCmd(),
	)
	return rootCmd
}
