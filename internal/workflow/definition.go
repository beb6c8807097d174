package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects how the tasks inside one layer are dispatched.
type Strategy string

const (
	// StrategyParallelPool dispatches every task concurrently, bounded by the
	// layer pool size.
	StrategyParallelPool Strategy = "parallel-pool"
	// StrategySequential dispatches tasks one at a time in declaration order.
	StrategySequential Strategy = "sequential"
)

// Valid reports whether the strategy is known.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyParallelPool, StrategySequential:
		return true
	default:
		return false
	}
}

// WorkflowDefinition declares an ordered list of layers. It is treated as
// immutable once handed to the graph builder.
type WorkflowDefinition struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name,omitempty" yaml:"name,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Runtime     WorkflowRuntimeConfig `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Layers      []LayerDefinition     `json:"layers" yaml:"layers"`
}

// WorkflowRuntimeConfig configures execution constraints shared by all layers.
type WorkflowRuntimeConfig struct {
	// PoolSize caps concurrently dispatched tasks in parallel-pool layers that do
	// not declare their own pool size. Zero defers to the scheduler default.
	PoolSize int `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	// MaxReruns bounds how many times a layer may be re-run after a RERUN
	// decision. Nil defers to the scheduler default; zero disables reruns.
	MaxReruns *int `json:"max_reruns,omitempty" yaml:"max_reruns,omitempty"`
}

// LayerDefinition is a set of tasks meant to run together.
type LayerDefinition struct {
	// Index is the declared position. When omitted the declaration order is used.
	Index       *int             `json:"index,omitempty" yaml:"index,omitempty"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Strategy    Strategy         `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	PoolSize    int              `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	MaxReruns   *int             `json:"max_reruns,omitempty" yaml:"max_reruns,omitempty"`
	Gate        *GateSpec        `json:"gate,omitempty" yaml:"gate,omitempty"`
	Tasks       []TaskDefinition `json:"tasks" yaml:"tasks"`
}

// TaskDefinition binds a unit of work to a role. Artifact names what the task
// works on; review tasks sharing an artifact within a layer are synthesized
// together.
type TaskDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Role        string         `json:"role" yaml:"role"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Artifact    string         `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Review      bool           `json:"review,omitempty" yaml:"review,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Clone returns a deep copy of the workflow definition.
func (def WorkflowDefinition) Clone() WorkflowDefinition {
	clone := WorkflowDefinition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Metadata:    cloneStringMap(def.Metadata),
		Runtime:     def.Runtime.clone(),
	}
	if len(def.Layers) > 0 {
		clone.Layers = make([]LayerDefinition, len(def.Layers))
		for i, layer := range def.Layers {
			clone.Layers[i] = layer.Clone()
		}
	}
	return clone
}

// Clone returns a deep copy of the layer definition.
func (l LayerDefinition) Clone() LayerDefinition {
	clone := LayerDefinition{
		Name:        l.Name,
		Description: l.Description,
		Strategy:    l.Strategy,
		PoolSize:    l.PoolSize,
	}
	if l.Index != nil {
		idx := *l.Index
		clone.Index = &idx
	}
	if l.MaxReruns != nil {
		reruns := *l.MaxReruns
		clone.MaxReruns = &reruns
	}
	if l.Gate != nil {
		gate := l.Gate.Clone()
		clone.Gate = &gate
	}
	if len(l.Tasks) > 0 {
		clone.Tasks = make([]TaskDefinition, len(l.Tasks))
		for i, task := range l.Tasks {
			clone.Tasks[i] = task.Clone()
		}
	}
	return clone
}

// Clone returns a deep copy of the task definition. Input values are copied
// one level deep; nested values are treated as opaque.
func (t TaskDefinition) Clone() TaskDefinition {
	clone := t
	clone.DependsOn = cloneStringSlice(t.DependsOn)
	clone.Inputs = cloneInputs(t.Inputs)
	return clone
}

// Validate ensures the definition has the minimum shape required to build a
// graph. Dependency and role checks live in the graph builder.
func (def WorkflowDefinition) Validate() error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("workflow: id is required")
	}
	if len(def.Layers) == 0 {
		return fmt.Errorf("workflow %s: at least one layer is required", def.ID)
	}
	if err := def.Runtime.validate(); err != nil {
		return fmt.Errorf("workflow %s runtime: %w", def.ID, err)
	}
	return nil
}

// Normalized clones the definition, applies defaults, and validates the
// result. Defaults: layer index from declaration order, parallel-pool
// strategy, layer name from its index.
func (def WorkflowDefinition) Normalized() (WorkflowDefinition, error) {
	clone := def.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	clone.Runtime = clone.Runtime.normalized()
	for i := range clone.Layers {
		layer := &clone.Layers[i]
		if layer.Index == nil {
			idx := i
			layer.Index = &idx
		}
		if layer.Strategy == "" {
			layer.Strategy = StrategyParallelPool
		}
		layer.Strategy = Strategy(strings.ToLower(strings.TrimSpace(string(layer.Strategy))))
		if strings.TrimSpace(layer.Name) == "" {
			layer.Name = fmt.Sprintf("layer-%d", *layer.Index)
		}
		for j := range layer.Tasks {
			task := &layer.Tasks[j]
			task.ID = strings.TrimSpace(task.ID)
			task.Role = strings.TrimSpace(task.Role)
			task.Artifact = strings.TrimSpace(task.Artifact)
			task.DependsOn = mergeDependencies(nil, task.DependsOn)
		}
		if layer.Gate != nil {
			layer.Gate.normalize(layer.Name)
		}
	}
	if err := clone.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return clone, nil
}

// TaskIDs returns every task id in layer then declaration order.
func (def WorkflowDefinition) TaskIDs() []string {
	var ids []string
	for _, layer := range def.Layers {
		for _, task := range layer.Tasks {
			ids = append(ids, task.ID)
		}
	}
	return ids
}

// Roles returns the distinct roles referenced by the definition in first-use
// order.
func (def WorkflowDefinition) Roles() []string {
	seen := map[string]struct{}{}
	var roles []string
	for _, layer := range def.Layers {
		for _, task := range layer.Tasks {
			if _, ok := seen[task.Role]; ok || task.Role == "" {
				continue
			}
			seen[task.Role] = struct{}{}
			roles = append(roles, task.Role)
		}
	}
	return roles
}

func (cfg WorkflowRuntimeConfig) normalized() WorkflowRuntimeConfig {
	if cfg.PoolSize < 0 {
		cfg.PoolSize = 0
	}
	return cfg
}

func (cfg WorkflowRuntimeConfig) clone() WorkflowRuntimeConfig {
	if cfg.MaxReruns != nil {
		n := *cfg.MaxReruns
		cfg.MaxReruns = &n
	}
	return cfg
}

func (cfg WorkflowRuntimeConfig) validate() error {
	if cfg.MaxReruns != nil && *cfg.MaxReruns < 0 {
		return fmt.Errorf("max_reruns must be >= 0")
	}
	return nil
}

// mergeDependencies de-duplicates while keeping first-declared order so error
// messages point at the dependency the author wrote first.
func mergeDependencies(existing, adds []string) []string {
	if len(adds) == 0 && len(existing) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, group := range [][]string{existing, adds} {
		for _, id := range group {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}

func cloneInputs(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]any, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
