// Package pipeline executes a validated DAG of named processing stages with
// per-stage retry, timeout, and circuit breaking. The stages themselves are
// opaque collaborators: the orchestrator passes inputs and outputs through
// without inspecting them.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/arrayops/subflow/internal/resilience"
)

// StageFunc is the external stage executor contract: it receives the shared
// execution context and returns the stage's output map, which is merged
// into the context under the stage name, or a typed error.
type StageFunc func(ctx context.Context, ec *ExecutionContext) (map[string]any, error)

// StageDefinition is one DAG node. Immutable once the DAG is built.
type StageDefinition struct {
	// Name must be unique within the DAG.
	Name string

	// Dependencies are names of stages that must succeed first.
	Dependencies []string

	// Retry overrides the runner's default policy when non-nil.
	Retry *resilience.RetryPolicy

	// Timeout bounds a single attempt. Zero means no limit.
	Timeout time.Duration

	// Run is the stage executor.
	Run StageFunc
}

// StageStatus is the terminal disposition of one stage in a run.
type StageStatus string

const (
	// StatusSucceeded: the stage completed and its outputs were recorded.
	StatusSucceeded StageStatus = "succeeded"

	// StatusFailed: the stage exhausted its retries or hit a
	// non-retryable error.
	StatusFailed StageStatus = "failed"

	// StatusSkipped: an upstream dependency failed, so the stage never
	// ran. Distinct from failing itself.
	StatusSkipped StageStatus = "skipped"
)

// ExecutionContext is the per-run shared record. One orchestrator run owns
// it exclusively; it is discarded when the run finishes, except for what
// the caller persists from Outputs.
type ExecutionContext struct {
	JobID    string
	GroupID  string
	Inputs   map[string]any
	Metadata map[string]string

	mu      sync.RWMutex
	outputs map[string]map[string]any
}

// NewExecutionContext creates a run context.
func NewExecutionContext(jobID, groupID string, inputs map[string]any) *ExecutionContext {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &ExecutionContext{
		JobID:    jobID,
		GroupID:  groupID,
		Inputs:   inputs,
		Metadata: map[string]string{},
		outputs:  make(map[string]map[string]any),
	}
}

// SetOutput records a completed stage's result. Concurrent-safe: parallel
// branches write their outputs independently.
func (ec *ExecutionContext) SetOutput(stage string, out map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if out == nil {
		out = map[string]any{}
	}
	ec.outputs[stage] = out
}

// Output returns one stage's result.
func (ec *ExecutionContext) Output(stage string) (map[string]any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.outputs[stage]
	return out, ok
}

// Outputs returns a copy of all recorded stage results keyed by stage name.
func (ec *ExecutionContext) Outputs() map[string]map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]map[string]any, len(ec.outputs))
	for k, v := range ec.outputs {
		out[k] = v
	}
	return out
}
