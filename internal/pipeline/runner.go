package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arrayops/subflow/internal/resilience"
)

// Runner executes a DAG over an ExecutionContext.
//
// Independent branches run concurrently; dependent stages wait for all of
// their dependencies. A stage downstream of a failure is recorded skipped,
// never failed, and unrelated branches run to completion even when one
// branch fails.
type Runner struct {
	dag          *DAG
	breakers     *resilience.Registry
	defaultRetry resilience.RetryPolicy
	sleep        resilience.SleepFunc
	logger       *slog.Logger

	// metricHook, when set, receives each succeeded stage's wall time.
	metricHook func(groupID, stage string, seconds float64)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDefaultRetry sets the fallback policy for stages without overrides.
func WithDefaultRetry(p resilience.RetryPolicy) RunnerOption {
	return func(r *Runner) { r.defaultRetry = p }
}

// WithSleep overrides the backoff sleep. For tests.
func WithSleep(s resilience.SleepFunc) RunnerOption {
	return func(r *Runner) { r.sleep = s }
}

// WithRunnerLogger overrides the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithMetricHook registers a per-stage duration callback.
func WithMetricHook(hook func(groupID, stage string, seconds float64)) RunnerOption {
	return func(r *Runner) { r.metricHook = hook }
}

// NewRunner creates a Runner for a validated DAG. The breaker registry is
// shared across runs so component failure counts accumulate over time.
func NewRunner(dag *DAG, breakers *resilience.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		dag:          dag,
		breakers:     breakers,
		defaultRetry: resilience.DefaultRetryPolicy,
		sleep:        resilience.Sleep,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunResult is the disposition of one DAG run.
type RunResult struct {
	JobID    string
	Statuses map[string]StageStatus
	Errors   map[string]error
}

// Failed reports whether any stage ended failed.
func (r *RunResult) Failed() bool {
	for _, s := range r.Statuses {
		if s == StatusFailed {
			return true
		}
	}
	return false
}

// FirstFailure returns the name and error of a failed stage, preferring
// the earliest in topological order so retries and dead letters attribute
// the root cause, not a downstream casualty.
func (r *RunResult) FirstFailure(order []string) (string, error) {
	for _, name := range order {
		if r.Statuses[name] == StatusFailed {
			return name, r.Errors[name]
		}
	}
	return "", nil
}

// Run executes the DAG. The returned error is non-nil only for
// orchestration-level problems (context cancelled before completion);
// stage failures are reported through the RunResult.
func (r *Runner) Run(ctx context.Context, ec *ExecutionContext) (*RunResult, error) {
	stages := r.dag.Stages()

	var mu sync.Mutex
	statuses := make(map[string]StageStatus, len(stages))
	errs := make(map[string]error, len(stages))

	done := make(map[string]chan struct{}, len(stages))
	for _, st := range stages {
		done[st.Name] = make(chan struct{})
	}

	g := new(errgroup.Group)
	for _, st := range stages {
		st := st
		g.Go(func() error {
			defer close(done[st.Name])

			for _, dep := range st.Dependencies {
				select {
				case <-done[dep]:
				case <-ctx.Done():
					mu.Lock()
					statuses[st.Name] = StatusSkipped
					errs[st.Name] = ctx.Err()
					mu.Unlock()
					return nil
				}
			}

			mu.Lock()
			blocked := ""
			for _, dep := range st.Dependencies {
				if statuses[dep] != StatusSucceeded {
					blocked = dep
					break
				}
			}
			if blocked != "" {
				statuses[st.Name] = StatusSkipped
				errs[st.Name] = fmt.Errorf("upstream stage %q did not succeed", blocked)
				mu.Unlock()
				r.logger.Info("stage skipped", "job", ec.JobID, "stage", st.Name, "upstream", blocked)
				return nil
			}
			mu.Unlock()

			err := r.runStage(ctx, st, ec)

			mu.Lock()
			if err != nil {
				statuses[st.Name] = StatusFailed
				errs[st.Name] = err
			} else {
				statuses[st.Name] = StatusSucceeded
			}
			mu.Unlock()
			return nil
		})
	}

	// Stage goroutines never return errors; failures land in the result.
	g.Wait()

	res := &RunResult{JobID: ec.JobID, Statuses: statuses, Errors: errs}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("run cancelled: %w", err)
	}
	return res, nil
}

// Order exposes the DAG's topological order for failure attribution.
func (r *Runner) Order() []string {
	return r.dag.Order()
}

// runStage wraps one stage invocation in its retry policy and its
// component breaker, and enforces the stage timeout.
func (r *Runner) runStage(ctx context.Context, st StageDefinition, ec *ExecutionContext) error {
	policy := r.defaultRetry
	if st.Retry != nil {
		policy = *st.Retry
	}
	breaker := r.breakers.Get(st.Name)

	started := time.Now()
	err := resilience.DoWithSleep(ctx, policy, r.sleep, func(ctx context.Context) error {
		return breaker.Call(ctx, func(ctx context.Context) error {
			return r.invoke(ctx, st, ec)
		})
	})
	if err != nil {
		r.logger.Error("stage failed", "job", ec.JobID, "stage", st.Name, "error", err)
		return err
	}

	elapsed := time.Since(started).Seconds()
	r.logger.Info("stage succeeded", "job", ec.JobID, "stage", st.Name, "seconds", elapsed)
	if r.metricHook != nil {
		r.metricHook(ec.GroupID, st.Name, elapsed)
	}
	return nil
}

// stageResult carries a stage invocation's outcome across the timeout
// boundary.
type stageResult struct {
	out map[string]any
	err error
}

// invoke runs the stage function once, bounded by its timeout.
//
// The executor runs in its own goroutine and reports on a buffered
// channel, so the runner never hangs past the deadline even when the
// executor ignores cancellation. An abandoned call keeps running in the
// background until it returns, at which point it is reaped and logged.
func (r *Runner) invoke(ctx context.Context, st StageDefinition, ec *ExecutionContext) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if st.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	ch := make(chan stageResult, 1)
	go func() {
		out, err := st.Run(runCtx, ec)
		ch <- stageResult{out: out, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		ec.SetOutput(st.Name, res.out)
		return nil
	case <-runCtx.Done():
		go func() {
			res := <-ch
			r.logger.Warn("abandoned stage call returned after timeout",
				"job", ec.JobID, "stage", st.Name, "error", res.err)
		}()
		return resilience.Transientf(st.Name, "stage timed out after %s", st.Timeout)
	}
}
