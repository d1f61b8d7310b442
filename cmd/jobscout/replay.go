package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/app"
)

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Re-deliver dead-lettered callbacks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			replayer, release, err := app.Replayer(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build replayer: %w", err)
			}
			defer release()

			report, err := replayer.Replay(cmd.Context())
			if err != nil {
				return fmt.Errorf("replay dead letters: %w", err)
			}
			rt.logger.Info("replay finished",
				zap.Int("total", report.Total),
				zap.Int("sent", report.Sent),
				zap.Int("failed", report.Failed),
			)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "total=%d sent=%d failed=%d\n", report.Total, report.Sent, report.Failed)
			return err
		},
	}
}
