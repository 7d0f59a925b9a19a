package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arrayops/subflow/internal/housekeeping"
	"github.com/arrayops/subflow/internal/queue"
	"github.com/arrayops/subflow/internal/store"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one housekeeping sweep now",
		Long: `Run a single housekeeping sweep: return stale in-progress groups to
pending, fail groups stuck collecting past the timeout, and prune
expired scratch artifacts.

Example:
  subflow recover --config ./subflow.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
	return cmd
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	q := queue.New(st)
	sweeper := housekeeping.New(q,
		housekeeping.WithInProgressTimeout(cfg.InProgressTimeout.Std()),
		housekeeping.WithCollectingTimeout(cfg.CollectingTimeout.Std()),
		housekeeping.WithScratch(cfg.ScratchDir, cfg.ScratchTTL.Std()),
	)

	report, err := sweeper.Sweep(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "sweep failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d stale group(s), expired %d collecting group(s), removed %d scratch item(s)\n",
		len(report.Recovered), len(report.Expired), report.ScratchRemoved)
	for _, g := range report.Recovered {
		fmt.Fprintf(cmd.OutOrStdout(), "  recovered: %s\n", g)
	}
	for _, g := range report.Expired {
		fmt.Fprintf(cmd.OutOrStdout(), "  expired:   %s\n", g)
	}
	return nil
}
