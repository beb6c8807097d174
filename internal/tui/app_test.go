package tui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/conclave/internal/checkpoint"
	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/synthesis"
	"github.com/kingrea/conclave/internal/workflow/engine"
	"github.com/kingrea/conclave/internal/workflow/gate"
	"github.com/kingrea/conclave/internal/workflow/scheduler"
)

func reviewResult() scheduler.LayerResult {
	composite := decimal.RequireFromString("8.5")
	return scheduler.LayerResult{
		RunID:      "run-1",
		LayerIndex: 1,
		LayerName:  "review",
		Attempt:    2,
		Status:     scheduler.LayerProceed,
		Rationale:  "composite 8.50 above floor 7.00",
		Record:     checkpoint.Record{Decision: checkpoint.DecisionProceed, Composite: &composite},
		Tasks: []scheduler.TaskResult{
			{TaskID: "security", Role: "security", Status: scheduler.TaskSucceeded, Attempts: 2},
			{TaskID: "style", Role: "style", Status: scheduler.TaskSkipped, Reason: "skipped after task security ended Failed"},
		},
		Syntheses: []gate.SynthesisOutcome{{
			TaskIDs: []string{"security", "style"},
			Result:  synthesis.Result{Artifact: "change", ExpectedSources: 2, ReceivedSources: 2},
		}},
		CriticalCount: 2,
		Final:         true,
	}
}

func stream(results ...scheduler.LayerResult) <-chan scheduler.LayerResult {
	ch := make(chan scheduler.LayerResult, len(results))
	for _, r := range results {
		ch <- r
	}
	close(ch)
	return ch
}

func TestRenderLayerIncludesAttentionLine(t *testing.T) {
	out := RenderLayer(reviewResult())
	assert.Contains(t, out, "Layer 1 review (attempt 2)")
	assert.Contains(t, out, "PROCEED")
	assert.Contains(t, out, "composite 8.50")
	assert.Contains(t, out, "security [security]")
	assert.Contains(t, out, "after 2 attempts")
	assert.Contains(t, out, "skipped after task security ended Failed")
	assert.Contains(t, out, "synthesis change: 0 findings, 0 contradictions, 2/2 sources")
	assert.Contains(t, out, "2 critical finding(s) need immediate attention")
}

func TestRenderLayerWithoutCriticalFindingsHasNoAttentionLine(t *testing.T) {
	r := reviewResult()
	r.CriticalCount = 0
	r.Err = errors.New("checkpoint log unavailable")
	out := RenderLayer(r)
	assert.NotContains(t, out, "immediate attention")
	assert.Contains(t, out, "error: checkpoint log unavailable")
}

func TestWatchPlainPrintsEveryResult(t *testing.T) {
	rerun := reviewResult()
	rerun.Status = scheduler.LayerRerun
	rerun.Attempt = 1
	rerun.Final = false
	final := reviewResult()

	var buf bytes.Buffer
	outcome, err := Watch(context.Background(), &buf, ModeAuto, "docs-review", stream(rerun, final), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Received)
	assert.True(t, outcome.Proceeded())
	assert.Contains(t, buf.String(), "docs-review")
	assert.Contains(t, buf.String(), "RERUN")
	assert.Equal(t, 2, strings.Count(buf.String(), "Layer 1 review"))
}

func TestOutcomeProceeded(t *testing.T) {
	held := reviewResult()
	held.Status = scheduler.LayerHold
	assert.False(t, Outcome{Last: held, Received: 1}.Proceeded())
	assert.False(t, Outcome{}.Proceeded())

	notFinal := reviewResult()
	notFinal.Final = false
	assert.False(t, Outcome{Last: notFinal, Received: 1}.Proceeded())
}

func TestRunViewDrainsStreamAndCancels(t *testing.T) {
	cancelled := 0
	results := stream(reviewResult())
	view := newRunView("docs-review", results, func() { cancelled++ })

	msg := view.waitForResult()()
	_, cmd := view.Update(msg)
	require.NotNil(t, cmd)
	assert.Contains(t, view.View(), "composite 8.50")
	assert.Contains(t, view.View(), "running layer 2")

	view.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	view.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, 1, cancelled)
	assert.Contains(t, view.View(), "cancelling")

	msg = cmd()
	_, ok := msg.(streamClosedMsg)
	require.True(t, ok)
	_, cmd = view.Update(msg)
	assert.True(t, view.done)
	require.NotNil(t, cmd)
	_, quit := cmd().(tea.QuitMsg)
	assert.True(t, quit)
}

func TestRenderStateShowsHeldLayer(t *testing.T) {
	state := engine.State{
		RunID:      "docs-1",
		WorkflowID: "docs",
		Status:     engine.EngineStatusHeld,
		Layers: []engine.LayerSummary{
			{Index: 0, Name: "draft", Status: scheduler.LayerProceed, Attempt: 1},
			{Index: 1, Name: "review", Status: scheduler.LayerHold, Attempt: 1, CriticalCount: 1},
		},
		Held: &engine.HeldState{Index: 1, Record: checkpoint.Record{Rationale: "composite 6.00 at or below floor 7.00"}},
	}
	out := RenderState(state)
	assert.Contains(t, out, "Run docs-1")
	assert.Contains(t, out, "held at layer 1: composite 6.00 at or below floor 7.00")
	assert.Contains(t, out, "1 critical")
	assert.Contains(t, out, "--ack-hold")
}

func TestRenderRecordsAndSynthesis(t *testing.T) {
	assert.Contains(t, RenderRecords(nil), "no checkpoint records")
	out := RenderRecords([]checkpoint.Record{{LayerIndex: 1, LayerName: "review", Attempt: 1, Decision: checkpoint.DecisionHold, Rationale: "regressed"}})
	assert.Contains(t, out, "layer 1 review attempt 1")
	assert.Contains(t, out, "regressed")

	reports := []report.Report{
		{TaskID: "a", Findings: []report.Finding{{Location: "main.go:10", Severity: report.SeverityMinor, Description: "unchecked error"}}},
		{TaskID: "b", Findings: []report.Finding{{Location: "main.go:10", Severity: report.SeverityCritical, Description: "nil dereference"}}},
	}
	res := synthesis.Synthesize(reports, synthesis.WithArtifact("main.go"), synthesis.WithExpectedSourceIDs("a", "b", "c"))
	out = RenderSynthesis(res)
	assert.Contains(t, out, "Synthesis of main.go")
	assert.Contains(t, out, "critical (was minor)")
	assert.Contains(t, out, "missing sources: c")
}
