package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kon-rad/neoapi-go"
)

// Track each argument as one output, then stop the client so everything is
// sent before the command exits.
func trackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track TEXT...",
		Short: "Track one output per argument and send them.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			opts, err := trackOptions(cmd)
			if err != nil {
				return err
			}

			client, err := neoapi.NewClient(neoapi.Config{
				APIKey:        cfg.APIKey,
				BaseURL:       cfg.BaseURL,
				BatchSize:     cfg.BatchSize,
				FlushInterval: cfg.FlushInterval,
				SendAttempts:  cfg.SendAttempts,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			ctx := contextOf(cmd)
			if err := client.Start(ctx); err != nil {
				return err
			}
			if err := trackAll(ctx, client, args, opts); err != nil {
				return err
			}

			stats := client.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "tracked %d, sent %d, dropped %d\n", stats.Tracked, stats.Sent, stats.Dropped)
			if stats.Dropped > 0 {
				return fmt.Errorf("%d outputs were not delivered", stats.Dropped)
			}
			return nil
		},
	}
	cmd.Flags().String("project", "", "project name")
	cmd.Flags().String("group", "", "group name")
	cmd.Flags().StringToString("metadata", nil, "metadata as key=value pairs")
	cmd.Flags().Bool("analysis", false, "request an analysis response")
	cmd.Flags().Bool("json", false, "mark the output as JSON formatted")
	return cmd
}

func trackOptions(cmd *cobra.Command) ([]neoapi.Option, error) {
	flags := cmd.Flags()
	project, err := flags.GetString("project")
	if err != nil {
		return nil, err
	}
	group, err := flags.GetString("group")
	if err != nil {
		return nil, err
	}
	pairs, err := flags.GetStringToString("metadata")
	if err != nil {
		return nil, err
	}
	analysis, err := flags.GetBool("analysis")
	if err != nil {
		return nil, err
	}
	jsonOut, err := flags.GetBool("json")
	if err != nil {
		return nil, err
	}

	opts := []neoapi.Option{
		neoapi.WithProject(strings.TrimSpace(project)),
		neoapi.WithGroup(strings.TrimSpace(group)),
		neoapi.WithNeedAnalysisResponse(analysis),
		neoapi.WithFormatJSONOutput(jsonOut),
	}
	if len(pairs) > 0 {
		metadata := make(map[string]any, len(pairs))
		for k, v := range pairs {
			metadata[k] = v
		}
		opts = append(opts, neoapi.WithMetadata(metadata))
	}
	return opts, nil
}

type textTracker interface {
	TrackText(text string, opts ...neoapi.Option) error
	Stop(ctx context.Context) error
}

// trackAll tracks every text and always stops the client, so outputs tracked
// before a failure are still sent.
func trackAll(ctx context.Context, client textTracker, texts []string, opts []neoapi.Option) error {
	var trackErr error
	for _, text := range texts {
		if err := client.TrackText(text, opts...); err != nil {
			trackErr = fmt.Errorf("track %q: %w", text, err)
			break
		}
	}
	if err := client.Stop(ctx); err != nil {
		return errors.Join(trackErr, fmt.Errorf("stop client: %w", err))
	}
	return trackErr
}
