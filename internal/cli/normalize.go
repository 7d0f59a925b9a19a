package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arrayops/subflow/internal/subband"
)

// RenameView is the JSON rendering of one planned rename.
type RenameView struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NewNormalizeCommand creates the normalize command.
func NewNormalizeCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "normalize <dir>",
		Short: "Rename near-simultaneous files to their canonical group timestamp",
		Long: `Cluster the sub-band files in a directory by arrival proximity and
rename members of each cluster to the cluster's canonical timestamp.
The plan is computed in full before any rename; with --dry-run it is
only printed.

Example:
  subflow normalize --dry-run /data/incoming
  subflow normalize /data/incoming`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(rootOpts, args[0], dryRun, cmd)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without renaming")
	return cmd
}

func runNormalize(opts *RootOptions, dir string, dryRun bool, cmd *cobra.Command) error {
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

	plan, err := subband.NormalizePlan(dir, cfg.Tolerance.Std())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to plan normalization", err)
	}

	applied := 0
	if !dryRun {
		applied, err = subband.ApplyRenames(plan)
		if err != nil {
			return WrapExitError(ExitFailure, "rename failed", err)
		}
	}

	if opts.Format == "json" {
		views := make([]RenameView, 0, len(plan))
		for _, r := range plan {
			views = append(views, RenameView{From: r.From, To: r.To})
		}
		return formatter.Success(map[string]any{
			"dry_run": dryRun,
			"planned": views,
			"applied": applied,
		})
	}

	if len(plan) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "All files already canonical")
		return nil
	}
	for _, r := range plan {
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", r.From, r.To)
	}
	if dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d rename(s) planned\n", len(plan))
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Applied %d rename(s)\n", applied)
	}
	return nil
}
