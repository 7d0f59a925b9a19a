package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arrayops/subflow/internal/queue"
	"github.com/arrayops/subflow/internal/store"
)

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <group-id>...",
		Short: "Return failed groups to pending",
		Long: `Return one or more failed groups to pending with a fresh retry budget.
Only groups in the failed state are eligible.

Example:
  subflow requeue 2025-01-15T10:30:00`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequeue(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runRequeue(opts *RootOptions, groups []string, cmd *cobra.Command) error {
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
	ctx := cmd.Context()

	requeued := make([]string, 0, len(groups))
	for _, groupID := range groups {
		if err := q.RequeueFailed(ctx, groupID); err != nil {
			return WrapExitError(ExitFailure, "failed to requeue "+groupID, err)
		}
		requeued = append(requeued, groupID)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{"requeued": requeued})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d group(s)\n", len(requeued))
	return nil
}
