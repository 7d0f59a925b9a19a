package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrayops/subflow/internal/config"
	"github.com/arrayops/subflow/internal/pipeline"
	"github.com/arrayops/subflow/internal/resilience"
)

func TestBuildDAG_FromConfig(t *testing.T) {
	cfg := config.Default()
	for i := range cfg.Stages {
		cfg.Stages[i].Command = []string{"true"}
	}

	dag, err := buildDAG(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"convert", "calibrate", "image"}, dag.Order())
}

func TestBuildDAG_RequiresCommands(t *testing.T) {
	cfg := config.Default() // default stages carry no commands
	_, err := buildDAG(cfg)
	require.Error(t, err)
	assert.True(t, resilience.IsConfig(err))
}

func TestBuildDAG_RejectsCyclicConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Stages = []config.StageConfig{
		{Name: "a", DependsOn: []string{"b"}, Command: []string{"true"}},
		{Name: "b", DependsOn: []string{"a"}, Command: []string{"true"}},
	}
	_, err := buildDAG(cfg)
	require.Error(t, err)
	assert.True(t, resilience.IsConfig(err))
}

func TestCommandStage_PassesGroupContextInEnv(t *testing.T) {
	sc := config.StageConfig{
		Name:    "convert",
		Command: []string{"sh", "-c", "echo \"$SUBFLOW_JOB_ID $SUBFLOW_GROUP_ID $SUBFLOW_STAGE\""},
	}

	ec := pipeline.NewExecutionContext("job-1", "2025-01-15T10:30:00",
		map[string]any{"files": []string{"/data/a.hdf5"}})

	out, err := commandStage(sc)(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "job-1 2025-01-15T10:30:00 convert\n", out["output"])
}

func TestCommandStage_NonZeroExitIsTransient(t *testing.T) {
	sc := config.StageConfig{
		Name:    "calibrate",
		Command: []string{"sh", "-c", "echo diverged >&2; exit 3"},
	}

	ec := pipeline.NewExecutionContext("job-1", "g", nil)
	_, err := commandStage(sc)(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "diverged")
}

func TestCommandStage_HonorsContextCancellation(t *testing.T) {
	sc := config.StageConfig{
		Name:    "stuck",
		Command: []string{"sleep", "30"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := commandStage(sc)(ctx, pipeline.NewExecutionContext("job-1", "g", nil))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
