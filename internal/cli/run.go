package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arrayops/subflow/internal/dispatcher"
	"github.com/arrayops/subflow/internal/housekeeping"
	"github.com/arrayops/subflow/internal/pipeline"
	"github.com/arrayops/subflow/internal/queue"
	"github.com/arrayops/subflow/internal/resilience"
	"github.com/arrayops/subflow/internal/store"
	"github.com/arrayops/subflow/internal/watcher"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch for arrivals and process complete groups",
		Long: `Run the full service: bootstrap from the incoming directory, watch for
new sub-band files, dispatch complete groups through the stage pipeline,
and sweep stale state in the background.

Example:
  subflow run --config ./subflow.yaml
  subflow run --config ./subflow.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(rootOpts, cmd)
		},
	}
	return cmd
}

func runService(opts *RootOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	dag, err := buildDAG(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid stage configuration", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create state dir", err)
	}

	slog.Info("opening database", "path", cfg.DatabasePath())
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	q := queue.New(st,
		queue.WithExpectedUnits(cfg.ExpectedUnits),
		queue.WithTolerance(cfg.Tolerance.Std()),
	)
	dlq := resilience.NewDeadLetters(st)

	breakers := resilience.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout.Std())
	runner := pipeline.NewRunner(dag, breakers,
		pipeline.WithDefaultRetry(cfg.DefaultRetry.Policy()),
		pipeline.WithMetricHook(func(groupID, stage string, seconds float64) {
			if err := q.RecordStageMetric(cmd.Context(), groupID, stage, seconds); err != nil {
				slog.Warn("failed to record stage metric", "group", groupID, "stage", stage, "error", err)
			}
		}),
	)

	disp := dispatcher.New(q, runner, dlq,
		dispatcher.WithMaxWorkers(cfg.MaxWorkers),
		dispatcher.WithMaxRetries(cfg.MaxRetries),
		dispatcher.WithPollInterval(cfg.PollInterval.Std()),
	)
	sweeper := housekeeping.New(q,
		housekeeping.WithInterval(cfg.HousekeepingInterval.Std()),
		housekeeping.WithInProgressTimeout(cfg.InProgressTimeout.Std()),
		housekeeping.WithCollectingTimeout(cfg.CollectingTimeout.Std()),
		housekeeping.WithScratch(cfg.ScratchDir, cfg.ScratchTTL.Std()),
	)
	watch := watcher.New(cfg.IncomingDir, q)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("service starting",
		"incoming", cfg.IncomingDir,
		"db", cfg.DatabasePath(),
		"workers", cfg.MaxWorkers,
		"stages", len(cfg.Stages))
	fmt.Fprintln(cmd.OutOrStdout(), "subflow started. Watching for sub-band arrivals...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watch.Run(ctx) })
	g.Go(func() error { return disp.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })

	if err := g.Wait(); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return WrapExitError(ExitFailure, "service error", err)
	}

	slog.Info("service stopped gracefully")
	return nil
}
