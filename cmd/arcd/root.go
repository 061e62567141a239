package main

import (
	"github.com/spf13/cobra"

	"ARC-Router/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "arcd",
		Short: "Task router that dispatches work to model backends and merges their answers",
		Long: `arcd classifies incoming tasks, routes them to backend adapters with
retries and fallbacks, optionally fans out to an ensemble and merges the
responses into one answer.

With no subcommand, arcd starts the HTTP API (same as "arcd serve").`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the JSON config (defaults to $"+config.EnvPath+" or "+config.DefaultPath+")")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newRulesCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the job processor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}
