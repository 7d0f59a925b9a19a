package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/arrayops/subflow/internal/config"
	"github.com/arrayops/subflow/internal/pipeline"
	"github.com/arrayops/subflow/internal/resilience"
)

// buildDAG turns configured stages into a validated pipeline DAG whose
// stage bodies execute the configured commands.
func buildDAG(cfg *config.Config) (*pipeline.DAG, error) {
	stages := make([]pipeline.StageDefinition, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		sc := sc
		if len(sc.Command) == 0 {
			return nil, resilience.Configf("stage %q has no command", sc.Name)
		}
		def := pipeline.StageDefinition{
			Name:         sc.Name,
			Dependencies: sc.DependsOn,
			Timeout:      sc.Timeout.Std(),
			Run:          commandStage(sc),
		}
		if sc.Retry != nil {
			policy := sc.Retry.Policy()
			def.Retry = &policy
		}
		stages = append(stages, def)
	}
	return pipeline.NewDAG(stages)
}

// commandStage wraps a configured command as a stage executor. The group
// context travels in the child's environment:
//
//	SUBFLOW_JOB_ID    run identifier
//	SUBFLOW_GROUP_ID  canonical group timestamp
//	SUBFLOW_STAGE     stage name
//	SUBFLOW_FILES     newline-separated unit file paths
//
// A non-zero exit is a transient failure; the combined output tail rides
// along in the error for the queue's error_message.
func commandStage(sc config.StageConfig) pipeline.StageFunc {
	return func(ctx context.Context, ec *pipeline.ExecutionContext) (map[string]any, error) {
		cmd := exec.CommandContext(ctx, sc.Command[0], sc.Command[1:]...)
		cmd.Env = append(os.Environ(),
			"SUBFLOW_JOB_ID="+ec.JobID,
			"SUBFLOW_GROUP_ID="+ec.GroupID,
			"SUBFLOW_STAGE="+sc.Name,
			"SUBFLOW_FILES="+strings.Join(inputPaths(ec), "\n"),
		)

		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf

		if err := cmd.Run(); err != nil {
			return nil, resilience.Transient(sc.Name,
				fmt.Errorf("command %v: %w: %s", sc.Command, err, tail(buf.String(), 512)))
		}
		return map[string]any{"output": buf.String()}, nil
	}
}

func inputPaths(ec *pipeline.ExecutionContext) []string {
	v, ok := ec.Inputs["files"]
	if !ok {
		return nil
	}
	paths, _ := v.([]string)
	return paths
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
