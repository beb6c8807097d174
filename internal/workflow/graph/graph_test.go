package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/conclave/internal/workflow"
)

var allRoles = Roles("implementer", "security-review", "style-review", "test-writer", "auditor")

func mustParse(t *testing.T, payload string) workflow.WorkflowDefinition {
	t.Helper()
	def, err := workflow.ParseDefinitionYAML([]byte(payload))
	require.NoError(t, err)
	return def
}

func TestBuildReviewPipeline(t *testing.T) {
	def, err := workflow.LoadDefinitionFile("../testdata/review.yaml")
	require.NoError(t, err)

	g, err := Build(def, allRoles)
	require.NoError(t, err)
	assert.Equal(t, "code-review", g.ID())
	assert.Equal(t, "Code review pipeline", g.Name())
	require.Equal(t, 3, g.Len())

	review, ok := g.Layer(1)
	require.True(t, ok)
	assert.Equal(t, workflow.StrategyParallelPool, review.Strategy)
	assert.Equal(t, 3, review.PoolSize)
	assert.Equal(t, 1, review.MaxReruns)
	groups := review.ReviewGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, "change", groups[0].Artifact)
	assert.Equal(t, []string{"security", "style", "tests"}, groups[0].TaskIDs)

	audit, ok := g.Task("audit")
	require.True(t, ok)
	assert.Equal(t, 2, audit.Layer)
	assert.Equal(t, "regressions", audit.Inputs["focus"])
}

func TestWorkflowRerunBudget(t *testing.T) {
	cases := []struct {
		name    string
		runtime string
		want    int
	}{
		{name: "unset defers to scheduler", runtime: "", want: -1},
		{name: "zero disables reruns", runtime: "runtime:\n  max_reruns: 0\n", want: 0},
		{name: "explicit budget", runtime: "runtime:\n  max_reruns: 3\n", want: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := mustParse(t, "id: budget\n"+tc.runtime+`layers:
  - tasks:
      - id: a
        role: implementer
  - max_reruns: 2
    tasks:
      - id: b
        role: auditor
`)
			g, err := Build(def, allRoles)
			require.NoError(t, err)
			first, _ := g.Layer(0)
			assert.Equal(t, tc.want, first.MaxReruns)
			second, _ := g.Layer(1)
			assert.Equal(t, 2, second.MaxReruns, "layer setting wins")
		})
	}
}

func TestBuildRejectsSameLayerDependency(t *testing.T) {
	def := mustParse(t, `
id: same-layer
layers:
  - tasks:
      - id: a
        role: implementer
      - id: b
        role: implementer
        depends_on: [a]
`)
	g, err := Build(def, allRoles)
	require.Error(t, err)
	assert.Nil(t, g)
	assert.True(t, errors.Is(err, ErrInvalidGraph))
	assert.True(t, errors.Is(err, ErrLayerOrder))

	var gve *GraphValidationError
	require.True(t, errors.As(err, &gve))
	assert.Equal(t, 0, gve.Layer)
	assert.Equal(t, "b", gve.Task)
	assert.Equal(t, "depends_on", gve.Field)
}

func TestBuildRejectsForwardDependencyAndCycles(t *testing.T) {
	def := mustParse(t, `
id: cycle
layers:
  - tasks:
      - id: a
        role: implementer
        depends_on: [b]
  - tasks:
      - id: b
        role: implementer
        depends_on: [a]
`)
	g, err := Build(def, allRoles)
	require.Error(t, err)
	assert.Nil(t, g)
	assert.ErrorIs(t, err, ErrLayerOrder)
	assert.Contains(t, err.Error(), "task a")
}

func TestBuildRejectsSelfDependency(t *testing.T) {
	def := mustParse(t, `
id: self
layers:
  - tasks:
      - id: a
        role: implementer
        depends_on: [a]
`)
	_, err := Build(def, allRoles)
	assert.ErrorIs(t, err, ErrLayerOrder)
}

func TestBuildRejectsUnknownRole(t *testing.T) {
	def := mustParse(t, `
id: roles
layers:
  - tasks:
      - id: a
        role: poet
`)
	_, err := Build(def, allRoles)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRole)
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestBuildRejectsMalformedDefinitions(t *testing.T) {
	cases := map[string]struct {
		payload string
		field   string
	}{
		"gap in indices": {payload: `
id: gap
layers:
  - index: 0
    tasks: [{id: a, role: implementer}]
  - index: 2
    tasks: [{id: b, role: implementer}]
`, field: "index"},
		"duplicate task": {payload: `
id: dup
layers:
  - tasks: [{id: a, role: implementer}]
  - tasks: [{id: a, role: auditor}]
`, field: "id"},
		"unknown dependency": {payload: `
id: unknown
layers:
  - tasks: [{id: a, role: implementer, depends_on: [ghost]}]
`, field: "depends_on"},
		"empty layer": {payload: `
id: empty
layers:
  - tasks: []
`, field: "tasks"},
		"unknown strategy": {payload: `
id: strategy
layers:
  - strategy: round-robin
    tasks: [{id: a, role: implementer}]
`, field: "strategy"},
		"negative weight": {payload: `
id: weight
layers:
  - gate:
      metrics:
        - name: quality
          weight: -2
    tasks: [{id: a, role: implementer}]
`, field: "gate"},
		"unknown condition": {payload: `
id: condition
layers:
  - gate:
      conditions:
        - name: zero-typos
    tasks: [{id: a, role: implementer}]
`, field: "gate"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			def := mustParse(t, tc.payload)
			g, err := Build(def, allRoles)
			require.Error(t, err)
			assert.Nil(t, g)
			var gve *GraphValidationError
			require.True(t, errors.As(err, &gve), "expected GraphValidationError, got %T", err)
			assert.Equal(t, tc.field, gve.Field)
		})
	}
}

func TestBuildSortsLayersByDeclaredIndex(t *testing.T) {
	def := mustParse(t, `
id: reordered
layers:
  - index: 1
    name: second
    tasks: [{id: b, role: auditor, depends_on: [a]}]
  - index: 0
    name: first
    tasks: [{id: a, role: implementer}]
`)
	g, err := Build(def, allRoles)
	require.NoError(t, err)
	first, _ := g.Layer(0)
	assert.Equal(t, "first", first.Name)
}

func TestGraphAccessorsReturnCopies(t *testing.T) {
	def := mustParse(t, `
id: copies
layers:
  - tasks: [{id: a, role: implementer, inputs: {k: v}}]
  - tasks: [{id: b, role: auditor, depends_on: [a]}]
`)
	g, err := Build(def, allRoles)
	require.NoError(t, err)

	layers := g.Layers()
	layers[1].Tasks[0].DependsOn[0] = "mutated"
	layers[0].Tasks[0].Inputs["k"] = "changed"

	b, _ := g.Task("b")
	assert.Equal(t, []string{"a"}, b.DependsOn)
	a, _ := g.Task("a")
	assert.Equal(t, "v", a.Inputs["k"])
	_, ok := g.Layer(5)
	assert.False(t, ok)
}

func TestReviewGroupsNeedTwoReviewers(t *testing.T) {
	layer := Layer{Tasks: []Task{
		{ID: "a", Artifact: "doc", Review: true},
		{ID: "b", Artifact: "code", Review: true},
		{ID: "c", Artifact: "code", Review: true},
		{ID: "d", Artifact: "code"},
	}}
	groups := layer.ReviewGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, ReviewGroup{Artifact: "code", TaskIDs: []string{"b", "c"}}, groups[0])
}
