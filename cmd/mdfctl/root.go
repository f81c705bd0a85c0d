package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mist-health/mdf-pipeline/pkg/common/config"
	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
)

func newRootCommand() *cobra.Command {
	var verbose bool
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:           "mdfctl",
		Short:         "Inspect and normalize health-record exports locally",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Log.SetOutput(cmd.ErrOrStderr())
			logger.Log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
			if verbose {
				logger.Log.SetLevel(logrus.DebugLevel)
			} else {
				logger.Log.SetLevel(logrus.WarnLevel)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline progress to stderr")

	rootCmd.AddCommand(newValidateCommand(cfg))
	rootCmd.AddCommand(newNormalizeCommand(cfg))

	return rootCmd
}
