package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagecache/internal/server"
	"github.com/JakeFAU/pagecache/internal/sweeper"
)

const (
	sweepExpired = "expired"
	sweepStuck   = "stuck"
	sweepAll     = "all"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep [expired|stuck|all]",
		Short:     "Run a maintenance sweep once and exit",
		Long:      `Runs the expiry sweep, the stuck-job sweep, or both, once against the configured stores.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{sweepExpired, sweepStuck, sweepAll},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.BuildSweeper(cmd.Context(), cfg, Version)
			if err != nil {
				return fmt.Errorf("build sweeper: %w", err)
			}
			defer func() { _ = app.Close(context.WithoutCancel(cmd.Context())) }()
			return runSweep(cmd, app.Sweeper(), args[0])
		},
	}
}

func runSweep(cmd *cobra.Command, s *sweeper.Sweeper, which string) error {
	ctx := cmd.Context()
	if which == sweepExpired || which == sweepAll {
		report, err := s.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("expiry sweep: %w", err)
		}
		cmd.Printf("expired: scanned=%d deleted=%d skipped=%d blobs=%d\n",
			report.Scanned, report.Deleted, report.Skipped, report.BlobsDeleted)
	}
	if which == sweepStuck || which == sweepAll {
		report, err := s.SweepStuck(ctx)
		if err != nil {
			return fmt.Errorf("stuck sweep: %w", err)
		}
		cmd.Printf("stuck: scanned=%d failed=%d\n", report.Scanned, report.Failed)
	}
	return nil
}
