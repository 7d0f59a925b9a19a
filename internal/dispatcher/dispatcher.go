// Package dispatcher pulls complete groups off the queue and drives them
// through the stage DAG with bounded concurrency.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arrayops/subflow/internal/pipeline"
	"github.com/arrayops/subflow/internal/queue"
	"github.com/arrayops/subflow/internal/resilience"
)

// DefaultMaxWorkers bounds in-flight pipeline runs.
const DefaultMaxWorkers = 2

// DefaultMaxRetries is the queue-level retry budget per group.
const DefaultMaxRetries = 3

// DefaultPollInterval is the idle wait between queue polls.
const DefaultPollInterval = 5 * time.Second

// Dispatcher claims pending entries and runs the pipeline over them.
//
// Claiming is atomic: at most one worker owns a group at a time. On clean
// shutdown, owned entries are proactively released back to pending rather
// than waiting for housekeeping's timeout-based recovery.
type Dispatcher struct {
	queue        *queue.Queue
	runner       *pipeline.Runner
	deadLetters  *resilience.DeadLetters
	logger       *slog.Logger
	maxWorkers   int
	maxRetries   int
	pollInterval time.Duration
	newJobID     func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxWorkers bounds concurrent runs.
func WithMaxWorkers(n int) Option {
	return func(d *Dispatcher) { d.maxWorkers = n }
}

// WithMaxRetries sets the queue-level retry budget.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithPollInterval sets the idle poll cadence.
func WithPollInterval(p time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = p }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithJobIDGenerator overrides run ID generation. For tests.
func WithJobIDGenerator(gen func() string) Option {
	return func(d *Dispatcher) { d.newJobID = gen }
}

// New creates a Dispatcher.
func New(q *queue.Queue, runner *pipeline.Runner, dlq *resilience.DeadLetters, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:        q,
		runner:       runner,
		deadLetters:  dlq,
		logger:       slog.Default(),
		maxWorkers:   DefaultMaxWorkers,
		maxRetries:   DefaultMaxRetries,
		pollInterval: DefaultPollInterval,
		newJobID:     func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls for pending entries until the context is cancelled, processing
// up to maxWorkers groups concurrently.
func (d *Dispatcher) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(d.maxWorkers)

	for {
		if err := ctx.Err(); err != nil {
			break
		}

		processed, err := d.dispatchOne(ctx, g)
		if err != nil {
			d.logger.Error("dispatch failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(d.pollInterval):
		}
		if ctx.Err() != nil {
			break
		}
	}

	g.Wait()
	return ctx.Err()
}

// dispatchOne claims at most one entry and hands it to a worker slot.
func (d *Dispatcher) dispatchOne(ctx context.Context, g *errgroup.Group) (bool, error) {
	entry, err := d.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	g.Go(func() error {
		if err := d.Process(ctx, entry); err != nil {
			d.logger.Error("processing failed", "group", entry.GroupID, "error", err)
		}
		return nil
	})
	return true, nil
}

// ProcessNext claims and processes a single pending entry synchronously.
// Returns false when nothing was pending. Used by tests and one-shot runs.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	entry, err := d.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return true, d.Process(ctx, entry)
}

// Process runs the pipeline over one claimed entry and records the outcome
// in the queue. On cancellation mid-run the claim is released back to
// pending so recovery does not wait on the housekeeping timeout.
func (d *Dispatcher) Process(ctx context.Context, entry *queue.Entry) error {
	groupID := entry.GroupID

	present, missing, err := d.queue.ReconcilePresence(ctx, groupID)
	if err != nil {
		return err
	}
	if len(missing) > 0 || len(present) < entry.ExpectedUnits {
		cause := fmt.Sprintf("%d of %d unit files missing on disk", len(missing), entry.ExpectedUnits)
		_, err := d.queue.RetryOrFail(ctx, groupID, cause, d.maxRetries)
		return err
	}

	paths := make([]string, len(present))
	for i, f := range present {
		paths[i] = f.Path
	}

	jobID := d.newJobID()
	ec := pipeline.NewExecutionContext(jobID, groupID, map[string]any{"files": paths})

	d.logger.Info("dispatching group", "group", groupID, "job", jobID,
		"attempt", entry.RetryCount+1)

	result, runErr := d.runner.Run(ctx, ec)
	if runErr != nil {
		// Cancelled mid-run: release the claim for a clean shutdown.
		if ctx.Err() != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if relErr := d.queue.Release(releaseCtx, groupID); relErr != nil {
				d.logger.Error("failed to release claim on shutdown",
					"group", groupID, "error", relErr)
			}
			return runErr
		}
		return runErr
	}

	if !result.Failed() {
		d.recordMarker(ctx, groupID, ec)
		if err := d.queue.MarkCompleted(ctx, groupID); err != nil {
			return err
		}
		d.logger.Info("group completed", "group", groupID, "job", jobID)
		return nil
	}

	stage, stageErr := result.FirstFailure(d.runner.Order())
	cause := fmt.Sprintf("stage %s: %v", stage, stageErr)

	retried, err := d.queue.RetryOrFail(ctx, groupID, cause, d.maxRetries)
	if err != nil {
		return err
	}
	if retried {
		return nil
	}

	// Retries exhausted: one dead-letter item carrying the root cause.
	if d.deadLetters != nil {
		id, dlqErr := d.deadLetters.Add(ctx, stage, "pipeline-run", stageErr,
			entry.RetryCount+1, map[string]string{
				"group_id": groupID,
				"job_id":   jobID,
			})
		if dlqErr != nil {
			return fmt.Errorf("record dead letter for %s: %w", groupID, dlqErr)
		}
		d.logger.Error("group dead-lettered", "group", groupID, "dlq_id", id, "stage", stage)
	}
	return nil
}

// recordMarker persists the convert stage's calibrator determination when
// it reported one.
func (d *Dispatcher) recordMarker(ctx context.Context, groupID string, ec *pipeline.ExecutionContext) {
	for _, out := range ec.Outputs() {
		if v, ok := out["has_marker"]; ok {
			if marker, ok := v.(bool); ok {
				if err := d.queue.SetMarker(ctx, groupID, marker); err != nil {
					d.logger.Warn("failed to record marker", "group", groupID, "error", err)
				}
				return
			}
		}
	}
}
