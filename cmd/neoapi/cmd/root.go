package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kon-rad/neoapi-go/internal/config"
	"github.com/kon-rad/neoapi-go/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "neoapi",
		Short: "neoapi ships LLM outputs to the NeoAPI collection endpoint.",
		Long: `neoapi ships LLM outputs to the NeoAPI collection endpoint.

Settings come from NEOAPI_* environment variables; run "neoapi env" to list
them with their defaults.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("log-level", "", "override NEOAPI_LOG_LEVEL")

	cmd.AddCommand(
		versionCmd(),
		envCmd(),
		relayCmd(),
		trackCmd(),
	)
	return cmd
}

// load reads the environment and sets up logging for a command.
func load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(contextOf(cmd))
	if err != nil {
		return nil, nil, err
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, nil, err
	}
	if level == "" {
		level = cfg.LogLevel
	}
	logger, err := logging.SetupWriter(cmd.ErrOrStderr(), level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables read by neoapi.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.WriteHelp(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}
