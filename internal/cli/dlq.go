package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/arrayops/subflow/internal/queue"
	"github.com/arrayops/subflow/internal/resilience"
	"github.com/arrayops/subflow/internal/store"
)

// DLQItemView is the JSON rendering of a dead-letter item.
type DLQItemView struct {
	ID           string            `json:"id"`
	Component    string            `json:"component"`
	Operation    string            `json:"operation"`
	ErrorSummary string            `json:"error_summary"`
	Context      map[string]string `json:"context,omitempty"`
	Status       string            `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	CreatedAt    string            `json:"created_at"`
}

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and triage the dead-letter queue",
	}
	cmd.AddCommand(newDLQListCommand(rootOpts))
	cmd.AddCommand(newDLQRequeueCommand(rootOpts))
	cmd.AddCommand(newDLQResolveCommand(rootOpts))
	cmd.AddCommand(newDLQAbandonCommand(rootOpts))
	return cmd
}

func newDLQListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status    string
		component string
		limit     int
	)

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List dead-letter items",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(rootOpts, cmd, func(ctx context.Context, _ *queue.Queue, dlq *resilience.DeadLetters) error {
				items, err := dlq.List(ctx, resilience.ListFilter{
					Status:    resilience.DLQStatus(status),
					Component: component,
					Limit:     limit,
				})
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list dead letters", err)
				}
				return renderDLQList(rootOpts, cmd, items)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|retrying|resolved|abandoned)")
	cmd.Flags().StringVar(&component, "component", "", "filter by component")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items to list")
	return cmd
}

func newDLQRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Retry a dead-lettered group with a fresh budget",
		Long: `Requeue a pending dead-letter item. The group it refers to is returned
to the queue's pending state; success resolves the item.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(rootOpts, cmd, func(ctx context.Context, q *queue.Queue, dlq *resilience.DeadLetters) error {
				item, err := dlq.Get(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "dead letter not found", err)
				}
				groupID, ok := item.Context["group_id"]
				if !ok {
					return WrapExitError(ExitFailure, "dead letter has no group_id context", nil)
				}

				policy := resilience.RetryPolicy{MaxAttempts: 1, Strategy: resilience.StrategyFixed}
				err = dlq.Requeue(ctx, item.ID, policy, func(ctx context.Context) error {
					return q.RequeueFailed(ctx, groupID)
				})
				if err != nil {
					return WrapExitError(ExitFailure, "requeue failed", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Group %s returned to pending; item %s resolved\n", groupID, item.ID)
				return nil
			})
		},
	}
	return cmd
}

func newDLQResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:           "resolve <id>",
		Short:         "Mark a dead-letter item resolved",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(rootOpts, cmd, func(ctx context.Context, _ *queue.Queue, dlq *resilience.DeadLetters) error {
				if err := dlq.Resolve(ctx, args[0], notes); err != nil {
					return WrapExitError(ExitFailure, "failed to resolve", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func newDLQAbandonCommand(rootOpts *RootOptions) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:           "abandon <id>",
		Short:         "Mark a dead-letter item abandoned",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(rootOpts, cmd, func(ctx context.Context, _ *queue.Queue, dlq *resilience.DeadLetters) error {
				if err := dlq.Abandon(ctx, args[0], notes); err != nil {
					return WrapExitError(ExitFailure, "failed to abandon", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Abandoned %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

// withDeadLetters opens the database and hands the queue and DLQ to fn.
func withDeadLetters(opts *RootOptions, cmd *cobra.Command, fn func(context.Context, *queue.Queue, *resilience.DeadLetters) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	return fn(cmd.Context(), queue.New(st), resilience.NewDeadLetters(st))
}

func renderDLQList(opts *RootOptions, cmd *cobra.Command, items []resilience.DeadLetterItem) error {
	if opts.Format == "json" {
		views := make([]DLQItemView, 0, len(items))
		for _, item := range items {
			views = append(views, DLQItemView{
				ID:           item.ID,
				Component:    item.Component,
				Operation:    item.Operation,
				ErrorSummary: item.ErrorSummary,
				Context:      item.Context,
				Status:       string(item.Status),
				AttemptCount: item.AttemptCount,
				CreatedAt:    item.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(views)
	}

	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMPONENT\tSTATUS\tATTEMPTS\tGROUP\tERROR")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			item.ID, item.Component, item.Status, item.AttemptCount,
			item.Context["group_id"], item.ErrorSummary)
	}
	return w.Flush()
}
