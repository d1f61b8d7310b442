package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobscout/internal/app"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the scrape worker",
		Long: `Starts the worker HTTP API. Dispatched tasks are admitted into a bounded
queue, crawled, and reported to their callback URL. With queue.provider=pubsub
the worker also pulls dispatches from the configured subscription.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := app.BuildWorker(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build worker: %w", err)
			}
			return ignoreCanceled(w.Run(ctx))
		},
	}
}

func newControllerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the scrape controller",
		Long: `Starts the controller HTTP API. Scrape runs are persisted, dispatched to
the worker, and reconciled when the worker's terminal callback arrives.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := app.BuildController(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build controller: %w", err)
			}
			return ignoreCanceled(c.Run(ctx))
		},
	}
}

func ignoreCanceled(err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
