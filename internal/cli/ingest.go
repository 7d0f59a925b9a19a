package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arrayops/subflow/internal/queue"
	"github.com/arrayops/subflow/internal/resilience"
	"github.com/arrayops/subflow/internal/store"
)

// IngestResult summarizes one ingest invocation.
type IngestResult struct {
	Recorded []string `json:"recorded,omitempty"`
	Promoted []string `json:"promoted,omitempty"`
	Skipped  []string `json:"skipped,omitempty"`
	Added    int      `json:"added"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Record sub-band files with the queue",
		Long: `Record sub-band file arrivals without running the watcher.

With file arguments, each file is recorded individually. With --dir, the
directory is scanned and every not-yet-known file is recorded.

Example:
  subflow ingest /data/incoming/2025-01-15T10:30:00_sb00.hdf5
  subflow ingest --dir /data/incoming`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" && len(args) == 0 {
				return WrapExitError(ExitCommandError, "nothing to ingest", fmt.Errorf("pass files or --dir"))
			}
			return runIngest(rootOpts, dir, args, cmd)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "scan a directory instead of naming files")
	return cmd
}

func runIngest(opts *RootOptions, dir string, files []string, cmd *cobra.Command) error {
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

	q := queue.New(st,
		queue.WithExpectedUnits(cfg.ExpectedUnits),
		queue.WithTolerance(cfg.Tolerance.Std()),
	)
	ctx := cmd.Context()

	res := IngestResult{}
	if dir != "" {
		added, skipped, err := q.Bootstrap(ctx, dir)
		if err != nil {
			return WrapExitError(ExitFailure, "bootstrap failed", err)
		}
		res.Added = added
		formatter.VerboseLog("scanned %s: %d added, %d already known", dir, added, skipped)
	}

	for _, path := range files {
		group, promoted, err := q.RecordArrival(ctx, path)
		if err != nil {
			if resilience.IsParse(err) {
				res.Skipped = append(res.Skipped, path)
				formatter.VerboseLog("skipped unparseable %s: %v", path, err)
				continue
			}
			return WrapExitError(ExitFailure, "failed to record "+path, err)
		}
		res.Recorded = append(res.Recorded, group)
		res.Added++
		if promoted {
			res.Promoted = append(res.Promoted, group)
		}
	}

	if opts.Format == "json" {
		return formatter.Success(res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d file(s)\n", res.Added)
	for _, g := range res.Promoted {
		fmt.Fprintf(cmd.OutOrStdout(), "Group %s is complete and pending dispatch\n", g)
	}
	for _, p := range res.Skipped {
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped (bad name): %s\n", p)
	}
	return nil
}
