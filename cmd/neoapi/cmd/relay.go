package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kon-rad/neoapi-go/internal/app"
)

// Run the relay until SIGINT or SIGTERM, then drain.
func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Accept outputs over HTTP or from a followed file and ship them in batches.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Port = port
			}
			if path, _ := cmd.Flags().GetString("follow"); path != "" {
				cfg.FollowPath = path
			}
			if path, _ := cmd.Flags().GetString("journal"); path != "" {
				cfg.JournalPath = path
			}

			ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.New(cfg, logger, Version).Run(ctx)
		},
	}
	cmd.Flags().String("port", "", "override NEOAPI_PORT")
	cmd.Flags().String("follow", "", "override NEOAPI_FOLLOW_PATH")
	cmd.Flags().String("journal", "", "override NEOAPI_JOURNAL_PATH")
	return cmd
}
