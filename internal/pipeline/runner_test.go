package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrayops/subflow/internal/resilience"
)

func instantSleep(context.Context, time.Duration) error { return nil }

func newTestRunner(t *testing.T, stages []StageDefinition, opts ...RunnerOption) *Runner {
	t.Helper()
	dag, err := NewDAG(stages)
	require.NoError(t, err)

	opts = append([]RunnerOption{
		WithSleep(instantSleep),
		WithDefaultRetry(resilience.RetryPolicy{MaxAttempts: 1, Strategy: resilience.StrategyFixed}),
	}, opts...)
	return NewRunner(dag, resilience.NewRegistry(100, time.Minute), opts...)
}

func runStages(t *testing.T, r *Runner) *RunResult {
	t.Helper()
	ec := NewExecutionContext("job-1", "2025-01-15T10:30:00", nil)
	res, err := r.Run(context.Background(), ec)
	require.NoError(t, err)
	return res
}

func TestRun_AllSucceed(t *testing.T) {
	r := newTestRunner(t, []StageDefinition{
		noop("convert"),
		withDeps(noop("calibrate"), "convert"),
		withDeps(noop("image"), "calibrate"),
	})

	res := runStages(t, r)
	assert.False(t, res.Failed())
	for _, name := range []string{"convert", "calibrate", "image"} {
		assert.Equal(t, StatusSucceeded, res.Statuses[name])
	}
}

func TestRun_OutputsFlowDownstream(t *testing.T) {
	stages := []StageDefinition{
		{
			Name: "convert",
			Run: func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
				return map[string]any{"ms_path": "/scratch/out.ms"}, nil
			},
		},
		{
			Name:         "calibrate",
			Dependencies: []string{"convert"},
			Run: func(_ context.Context, ec *ExecutionContext) (map[string]any, error) {
				out, ok := ec.Output("convert")
				if !ok || out["ms_path"] != "/scratch/out.ms" {
					return nil, errors.New("upstream output not visible")
				}
				return nil, nil
			},
		},
	}

	res := runStages(t, newTestRunner(t, stages))
	assert.False(t, res.Failed())
}

func TestRun_DownstreamSkippedNotFailed(t *testing.T) {
	boom := errors.New("calibration diverged")
	stages := []StageDefinition{
		noop("convert"),
		{
			Name:         "calibrate",
			Dependencies: []string{"convert"},
			Run: func(context.Context, *ExecutionContext) (map[string]any, error) {
				return nil, boom
			},
		},
		withDeps(noop("image"), "calibrate"),
	}

	res := runStages(t, newTestRunner(t, stages))
	assert.True(t, res.Failed())
	assert.Equal(t, StatusSucceeded, res.Statuses["convert"])
	assert.Equal(t, StatusFailed, res.Statuses["calibrate"])
	assert.Equal(t, StatusSkipped, res.Statuses["image"], "a skipped stage is not a failed stage")
	assert.ErrorIs(t, res.Errors["calibrate"], boom)

	stage, err := res.FirstFailure(r0(t, stages))
	assert.Equal(t, "calibrate", stage)
	assert.ErrorIs(t, err, boom)
}

// r0 builds the topological order for failure attribution in tests.
func r0(t *testing.T, stages []StageDefinition) []string {
	t.Helper()
	dag, err := NewDAG(stages)
	require.NoError(t, err)
	return dag.Order()
}

func TestRun_IndependentBranchesBothRunDespiteFailure(t *testing.T) {
	var mu sync.Mutex
	ran := map[string]bool{}
	mark := func(name string) StageFunc {
		return func(context.Context, *ExecutionContext) (map[string]any, error) {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return nil, nil
		}
	}

	stages := []StageDefinition{
		{
			Name: "left",
			Run: func(context.Context, *ExecutionContext) (map[string]any, error) {
				return nil, errors.New("left branch broke")
			},
		},
		withDeps(StageDefinition{Name: "left-child", Run: mark("left-child")}, "left"),
		{Name: "right", Run: mark("right")},
		withDeps(StageDefinition{Name: "right-child", Run: mark("right-child")}, "right"),
	}

	res := runStages(t, newTestRunner(t, stages))
	assert.Equal(t, StatusFailed, res.Statuses["left"])
	assert.Equal(t, StatusSkipped, res.Statuses["left-child"])
	assert.Equal(t, StatusSucceeded, res.Statuses["right"])
	assert.Equal(t, StatusSucceeded, res.Statuses["right-child"])

	assert.False(t, ran["left-child"], "skipped stage must never execute")
	assert.True(t, ran["right"] && ran["right-child"],
		"an unrelated branch runs to completion despite the failure")
}

func TestRun_ParallelIndependentStages(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)

	block := func(name string) StageFunc {
		return func(ctx context.Context, _ *ExecutionContext) (map[string]any, error) {
			started <- name
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	r := newTestRunner(t, []StageDefinition{
		{Name: "a", Run: block("a")},
		{Name: "b", Run: block("b")},
	})

	done := make(chan *RunResult, 1)
	go func() {
		ec := NewExecutionContext("job-1", "g", nil)
		res, _ := r.Run(context.Background(), ec)
		done <- res
	}()

	// Both stages must be in flight before either is released.
	<-started
	<-started
	close(release)

	res := <-done
	assert.False(t, res.Failed())
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	stages := []StageDefinition{{
		Name:  "flaky",
		Retry: &resilience.RetryPolicy{MaxAttempts: 3, Strategy: resilience.StrategyFixed, InitialDelay: time.Second},
		Run: func(context.Context, *ExecutionContext) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, errors.New("transient wobble")
			}
			return nil, nil
		},
	}}

	res := runStages(t, newTestRunner(t, stages))
	assert.False(t, res.Failed())
	assert.Equal(t, 3, calls)
}

func TestRun_TimeoutBoundsNonCooperativeStage(t *testing.T) {
	hung := make(chan struct{})
	t.Cleanup(func() { close(hung) })

	stages := []StageDefinition{{
		Name:    "stuck",
		Timeout: 20 * time.Millisecond,
		Run: func(context.Context, *ExecutionContext) (map[string]any, error) {
			// Ignores cancellation entirely.
			<-hung
			return nil, nil
		},
	}}

	start := time.Now()
	res := runStages(t, newTestRunner(t, stages))
	elapsed := time.Since(start)

	assert.True(t, res.Failed())
	assert.Less(t, elapsed, 5*time.Second, "runner must not hang on a non-cooperative stage")
	assert.Equal(t, StatusFailed, res.Statuses["stuck"])
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(res.Errors["stuck"]))
}

func TestRun_BreakerOpenDoesNotConsumeRetries(t *testing.T) {
	registry := resilience.NewRegistry(1, time.Hour)
	// Trip the calibrate breaker before the run.
	_ = registry.Get("calibrate").Call(context.Background(), func(context.Context) error {
		return errors.New("prior outage")
	})

	calls := 0
	dag, err := NewDAG([]StageDefinition{{
		Name: "calibrate",
		Run: func(context.Context, *ExecutionContext) (map[string]any, error) {
			calls++
			return nil, nil
		},
	}})
	require.NoError(t, err)

	r := NewRunner(dag, registry,
		WithSleep(instantSleep),
		WithDefaultRetry(resilience.RetryPolicy{MaxAttempts: 5, Strategy: resilience.StrategyFixed, InitialDelay: time.Second}),
	)

	ec := NewExecutionContext("job-1", "g", nil)
	res, err := r.Run(context.Background(), ec)
	require.NoError(t, err)

	assert.True(t, res.Failed())
	assert.True(t, resilience.IsBreakerOpen(res.Errors["calibrate"]))
	assert.Equal(t, 0, calls, "open breaker rejects without invoking the stage")
}

func TestRun_MetricHookReceivesDurations(t *testing.T) {
	var mu sync.Mutex
	got := map[string]bool{}

	r := newTestRunner(t,
		[]StageDefinition{noop("convert"), withDeps(noop("image"), "convert")},
		WithMetricHook(func(groupID, stage string, seconds float64) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "2025-01-15T10:30:00", groupID)
			assert.GreaterOrEqual(t, seconds, 0.0)
			got[stage] = true
		}),
	)

	res := runStages(t, r)
	assert.False(t, res.Failed())
	assert.True(t, got["convert"] && got["image"])
}
