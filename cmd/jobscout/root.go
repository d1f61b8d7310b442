package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/config"
	"github.com/JakeFAU/jobscout/internal/logging"
)

// runtimeKeyType keys the loaded runtime in the command context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what every subcommand needs before it starts.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadRuntime is replaced in tests.
var loadRuntime = func(path, service string) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, service)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "jobscout",
		Short: "Scrape job boards on demand and reconcile the results.",
		Long: `jobscout runs two cooperating services. The controller accepts scrape
run requests and reconciles the terminal callbacks. The worker crawls job
board listings with bounded concurrency and reports back to the controller.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipRuntime"] == "true" {
				return nil
			}
			rt, err := loadRuntime(cfgFile, "jobscout-"+cmd.Name())
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(rt.logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env JOBSCOUT_* overrides)")

	cmd.AddCommand(newWorkerCmd(), newControllerCmd(), newReplayCmd(), newVersionCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialised")
	}
	return rt, nil
}
