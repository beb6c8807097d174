package graph

import (
	"sort"
	"strings"
	"time"

	"github.com/kingrea/conclave/internal/workflow"
)

// Capabilities reports which roles can be dispatched.
type Capabilities interface {
	HasRole(name string) bool
}

// RoleSet is a static Capabilities implementation.
type RoleSet map[string]struct{}

// Roles builds a RoleSet from names.
func Roles(names ...string) RoleSet {
	set := make(RoleSet, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// HasRole implements Capabilities.
func (s RoleSet) HasRole(name string) bool {
	_, ok := s[name]
	return ok
}

// Task is a validated unit of work. Values returned by Graph accessors are
// copies.
type Task struct {
	ID          string
	Role        string
	Description string
	Artifact    string
	Review      bool
	Inputs      map[string]any
	DependsOn   []string
	MaxAttempts int
	Timeout     time.Duration
	Layer       int
}

func (t Task) clone() Task {
	clone := t
	if len(t.DependsOn) > 0 {
		clone.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if len(t.Inputs) > 0 {
		clone.Inputs = make(map[string]any, len(t.Inputs))
		for key, value := range t.Inputs {
			clone.Inputs[key] = value
		}
	}
	return clone
}

// ReviewGroup lists review tasks that judge the same artifact.
type ReviewGroup struct {
	Artifact string
	TaskIDs  []string
}

// Layer is a validated group of tasks.
type Layer struct {
	Index    int
	Name     string
	Strategy workflow.Strategy
	// PoolSize is zero when the scheduler default applies.
	PoolSize int
	// MaxReruns is negative when the scheduler default applies.
	MaxReruns int
	Gate      *workflow.GateSpec
	Tasks     []Task
}

func (l Layer) clone() Layer {
	clone := l
	if l.Gate != nil {
		gate := l.Gate.Clone()
		clone.Gate = &gate
	}
	clone.Tasks = make([]Task, len(l.Tasks))
	for i, task := range l.Tasks {
		clone.Tasks[i] = task.clone()
	}
	return clone
}

// ReviewGroups returns artifacts covered by at least two review tasks, in the
// order their first task was declared.
func (l Layer) ReviewGroups() []ReviewGroup {
	byArtifact := map[string]int{}
	var groups []ReviewGroup
	for _, task := range l.Tasks {
		if !task.Review || task.Artifact == "" {
			continue
		}
		idx, ok := byArtifact[task.Artifact]
		if !ok {
			idx = len(groups)
			byArtifact[task.Artifact] = idx
			groups = append(groups, ReviewGroup{Artifact: task.Artifact})
		}
		groups[idx].TaskIDs = append(groups[idx].TaskIDs, task.ID)
	}
	out := groups[:0]
	for _, group := range groups {
		if len(group.TaskIDs) >= 2 {
			out = append(out, group)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Graph is an immutable, validated workflow.
type Graph struct {
	definition workflow.WorkflowDefinition
	layers     []Layer
	tasks      map[string]int
}

// ID returns the workflow id.
func (g *Graph) ID() string {
	return g.definition.ID
}

// Name returns the workflow display name, falling back to its id.
func (g *Graph) Name() string {
	if g.definition.Name != "" {
		return g.definition.Name
	}
	return g.definition.ID
}

// Definition returns a clone of the source definition.
func (g *Graph) Definition() workflow.WorkflowDefinition {
	return g.definition.Clone()
}

// Len returns the number of layers.
func (g *Graph) Len() int {
	return len(g.layers)
}

// Layers returns copies of every layer in index order.
func (g *Graph) Layers() []Layer {
	out := make([]Layer, len(g.layers))
	for i, layer := range g.layers {
		out[i] = layer.clone()
	}
	return out
}

// Layer returns a copy of the layer at index.
func (g *Graph) Layer(index int) (Layer, bool) {
	if index < 0 || index >= len(g.layers) {
		return Layer{}, false
	}
	return g.layers[index].clone(), true
}

// Task returns a copy of the task with the given id.
func (g *Graph) Task(id string) (Task, bool) {
	layerIdx, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	for _, task := range g.layers[layerIdx].Tasks {
		if task.ID == id {
			return task.clone(), true
		}
	}
	return Task{}, false
}

// Build validates def against the registered capabilities and returns an
// immutable Graph. It performs no I/O and never returns a partial Graph.
func Build(def workflow.WorkflowDefinition, caps Capabilities) (*Graph, error) {
	normalized, err := def.Normalized()
	if err != nil {
		return nil, invalidf(-1, "", "", "%v", err)
	}
	if caps == nil {
		caps = RoleSet{}
	}

	ordered := make([]workflow.LayerDefinition, len(normalized.Layers))
	copy(ordered, normalized.Layers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return *ordered[i].Index < *ordered[j].Index
	})
	for pos, layer := range ordered {
		if *layer.Index != pos {
			return nil, invalidf(*layer.Index, "", "index", "layer indices must be contiguous from 0, expected %d", pos)
		}
	}

	tasks := map[string]int{}
	layers := make([]Layer, 0, len(ordered))
	for pos, ld := range ordered {
		layer, err := buildLayer(pos, ld, normalized.Runtime, caps, tasks)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}

	for _, layer := range layers {
		for _, task := range layer.Tasks {
			for _, dep := range task.DependsOn {
				depLayer, ok := tasks[dep]
				if !ok {
					return nil, invalidf(layer.Index, task.ID, "depends_on", "references unknown task %s", dep)
				}
				if depLayer >= layer.Index {
					return nil, orderError(layer.Index, task.ID, dep, depLayer)
				}
			}
		}
	}

	return &Graph{definition: normalized, layers: layers, tasks: tasks}, nil
}

func buildLayer(pos int, ld workflow.LayerDefinition, runtime workflow.WorkflowRuntimeConfig, caps Capabilities, seen map[string]int) (Layer, error) {
	if !ld.Strategy.Valid() {
		return Layer{}, invalidf(pos, "", "strategy", "unknown strategy %q", ld.Strategy)
	}
	if len(ld.Tasks) == 0 {
		return Layer{}, invalidf(pos, "", "tasks", "layer %s has no tasks", ld.Name)
	}
	if ld.PoolSize < 0 {
		return Layer{}, invalidf(pos, "", "pool_size", "must be >= 0")
	}
	layer := Layer{
		Index:     pos,
		Name:      ld.Name,
		Strategy:  ld.Strategy,
		PoolSize:  ld.PoolSize,
		MaxReruns: -1,
	}
	if layer.PoolSize == 0 {
		layer.PoolSize = runtime.PoolSize
	}
	switch {
	case ld.MaxReruns != nil && *ld.MaxReruns < 0:
		return Layer{}, invalidf(pos, "", "max_reruns", "must be >= 0")
	case ld.MaxReruns != nil:
		layer.MaxReruns = *ld.MaxReruns
	case runtime.MaxReruns != nil:
		layer.MaxReruns = *runtime.MaxReruns
	}
	if ld.Gate != nil {
		if err := ld.Gate.Validate(); err != nil {
			return Layer{}, invalidf(pos, "", "gate", "%v", err)
		}
		gate := ld.Gate.Clone()
		layer.Gate = &gate
	}
	for _, td := range ld.Tasks {
		if td.ID == "" {
			return Layer{}, invalidf(pos, "", "id", "task id is required")
		}
		if prev, dup := seen[td.ID]; dup {
			return Layer{}, invalidf(pos, td.ID, "id", "duplicate task id, first declared in layer %d", prev)
		}
		if td.Role == "" {
			return Layer{}, invalidf(pos, td.ID, "role", "role is required")
		}
		if !caps.HasRole(td.Role) {
			return Layer{}, roleError(pos, td.ID, td.Role)
		}
		if td.MaxAttempts < 0 {
			return Layer{}, invalidf(pos, td.ID, "max_attempts", "must be >= 0")
		}
		if td.Timeout < 0 {
			return Layer{}, invalidf(pos, td.ID, "timeout", "must be >= 0")
		}
		seen[td.ID] = pos
		layer.Tasks = append(layer.Tasks, Task{
			ID:          td.ID,
			Role:        td.Role,
			Description: td.Description,
			Artifact:    td.Artifact,
			Review:      td.Review,
			Inputs:      td.Clone().Inputs,
			DependsOn:   append([]string(nil), td.DependsOn...),
			MaxAttempts: td.MaxAttempts,
			Timeout:     td.Timeout,
			Layer:       pos,
		})
	}
	return layer, nil
}
