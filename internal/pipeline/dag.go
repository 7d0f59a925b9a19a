package pipeline

import (
	"github.com/arrayops/subflow/internal/resilience"
)

// DAG is a validated set of stage definitions. Construction rejects
// duplicate names, unknown dependencies, and cycles with configuration
// errors; a DAG that builds can always run.
type DAG struct {
	stages []StageDefinition
	index  map[string]int
	order  []string // one valid topological order, used for reporting
}

// NewDAG validates the stage definitions and returns an immutable DAG.
// All validation failures are configuration-kind errors: they must stop
// the orchestrator from starting, never surface at run time.
func NewDAG(stages []StageDefinition) (*DAG, error) {
	if len(stages) == 0 {
		return nil, resilience.Configf("pipeline has no stages")
	}

	index := make(map[string]int, len(stages))
	for i, st := range stages {
		if st.Name == "" {
			return nil, resilience.Configf("stage %d has no name", i)
		}
		if _, dup := index[st.Name]; dup {
			return nil, resilience.Configf("duplicate stage name %q", st.Name)
		}
		if st.Run == nil {
			return nil, resilience.Configf("stage %q has no executor", st.Name)
		}
		index[st.Name] = i
	}

	for _, st := range stages {
		for _, dep := range st.Dependencies {
			if _, ok := index[dep]; !ok {
				return nil, resilience.Configf("stage %q depends on unknown stage %q", st.Name, dep)
			}
			if dep == st.Name {
				return nil, resilience.Configf("stage %q depends on itself", st.Name)
			}
		}
	}

	order, err := topoSort(stages, index)
	if err != nil {
		return nil, err
	}

	d := &DAG{
		stages: append([]StageDefinition(nil), stages...),
		index:  index,
		order:  order,
	}
	return d, nil
}

// Stages returns the stage definitions in declaration order.
func (d *DAG) Stages() []StageDefinition {
	return append([]StageDefinition(nil), d.stages...)
}

// Order returns one dependency-consistent execution order.
func (d *DAG) Order() []string {
	return append([]string(nil), d.order...)
}

// topoSort is Kahn's algorithm; leftovers mean a cycle.
func topoSort(stages []StageDefinition, index map[string]int) ([]string, error) {
	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for _, st := range stages {
		indegree[st.Name] = len(st.Dependencies)
		for _, dep := range st.Dependencies {
			dependents[dep] = append(dependents[dep], st.Name)
		}
	}

	// Seed with declaration order for deterministic output.
	var ready []string
	for _, st := range stages {
		if indegree[st.Name] == 0 {
			ready = append(ready, st.Name)
		}
	}

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(stages) {
		var stuck []string
		for _, st := range stages {
			if indegree[st.Name] > 0 {
				stuck = append(stuck, st.Name)
			}
		}
		return nil, resilience.Configf("dependency cycle among stages %v", stuck)
	}

	return order, nil
}
