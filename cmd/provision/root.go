package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/o11y"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		debug    bool
		shutdown = func(context.Context) error { return nil }
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Wait for a host to accept SSH, then copy files to it and run commands on it",
		Long: `provision runs plans: files to copy to a host and commands to run on it,
ordered by their dependencies. Each step waits for the host to accept SSH
connections before doing its work, so a plan can target a machine that is
still booting.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := clog.New(slogmulti.Fanout(
				slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}),
			))
			ctx := clog.WithLogger(cmd.Context(), logger)
			slog.SetDefault(&logger.Logger)

			fn, err := o11y.SetupTracing(ctx)
			if err != nil {
				clog.WarnContext(ctx, "failed to set up tracing", "error", err)
			}
			shutdown = fn
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return shutdown(context.WithoutCancel(cmd.Context()))
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", os.Getenv("PROVISIONER_DEBUG") != "", "log at debug level")

	cmd.AddCommand(newApplyCmd())
	cmd.AddCommand(newKeypairCmd())
	return cmd
}
