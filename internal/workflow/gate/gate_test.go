package gate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/conclave/internal/checkpoint"
	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/synthesis"
	"github.com/kingrea/conclave/internal/workflow"
	"github.com/kingrea/conclave/internal/workflow/graph"
)

func floatPtr(v float64) *float64 { return &v }

func qualityGate(floor float64) *workflow.GateSpec {
	return &workflow.GateSpec{
		Family:              "quality",
		Scale:               workflow.DefaultScale,
		Metrics:             []workflow.MetricSpec{{Name: "quality", Dimensions: []string{"quality"}}},
		Floor:               floatPtr(floor),
		RegressionTolerance: 0.5,
	}
}

func succeeded(ids ...string) []TaskOutcome {
	out := make([]TaskOutcome, len(ids))
	for i, id := range ids {
		out[i] = TaskOutcome{TaskID: id, Status: "Succeeded", Succeeded: true}
	}
	return out
}

func scored(values ...float64) []report.Report {
	out := make([]report.Report, len(values))
	for i, v := range values {
		out[i] = report.Report{TaskID: string(rune('a' + i)), Scores: report.Scores{"quality": v}}
	}
	return out
}

func layerWith(gate *workflow.GateSpec) graph.Layer {
	return graph.Layer{Index: 1, Name: "review", Gate: gate}
}

func TestNoGateProceeds(t *testing.T) {
	rec := Evaluate(Input{RunID: "run", Layer: layerWith(nil), Attempt: 1, Outcomes: succeeded("a", "b")})
	assert.Equal(t, checkpoint.DecisionProceed, rec.Decision)
	assert.Contains(t, rec.Rationale, "no gate declared")
	assert.Equal(t, "run", rec.RunID)
	assert.Equal(t, 1, rec.LayerIndex)
}

func TestFailedTaskForcesRerunEvenWithoutGate(t *testing.T) {
	outcomes := append(succeeded("a"), TaskOutcome{TaskID: "b", Status: "Failed", Reason: "exit status 2"})
	rec := Evaluate(Input{Layer: layerWith(nil), Outcomes: outcomes})
	assert.Equal(t, checkpoint.DecisionRerun, rec.Decision)
	assert.Contains(t, rec.Rationale, "task b failed (exit status 2)")
	assert.Equal(t, []string{"tasks-succeeded"}, rec.FailedConditions)
}

func TestCompositeAtFloorHolds(t *testing.T) {
	cases := []struct {
		name   string
		scores []float64
		want   checkpoint.Decision
	}{
		{"exactly at floor", []float64{7, 7}, checkpoint.DecisionHold},
		{"float pair averaging to floor", []float64{6.9, 7.1}, checkpoint.DecisionHold},
		{"rounds down onto floor", []float64{7.004, 7.001}, checkpoint.DecisionHold},
		{"one hundredth above", []float64{7.01, 7.01}, checkpoint.DecisionProceed},
		{"one unit above", []float64{8, 8}, checkpoint.DecisionProceed},
		{"below floor", []float64{5, 6}, checkpoint.DecisionHold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Evaluate(Input{
				Layer:    layerWith(qualityGate(7)),
				Outcomes: succeeded("a", "b"),
				Reports:  scored(tc.scores...),
			})
			assert.Equal(t, tc.want, rec.Decision, rec.Rationale)
			require.NotNil(t, rec.Composite)
			assert.Equal(t, "quality", rec.Family)
		})
	}
}

func TestWeightedComposite(t *testing.T) {
	gate := &workflow.GateSpec{
		Family: "quality",
		Scale:  workflow.DefaultScale,
		Metrics: []workflow.MetricSpec{
			{Name: "style", Dimensions: []string{"style"}},
			{Name: "quality", Dimensions: []string{"quality", "voice"}, Weight: 2},
		},
	}
	reports := []report.Report{
		{TaskID: "a", Scores: report.Scores{"style": 6, "quality": 9, "voice": 8}},
		{TaskID: "b", Scores: report.Scores{"style": 7, "quality": 9, "voice": 10}},
	}
	rec := Evaluate(Input{Layer: layerWith(gate), Outcomes: succeeded("a", "b"), Reports: reports})
	require.NotNil(t, rec.Composite)
	assert.Equal(t, "6.50", rec.Metrics["style"].StringFixed(2))
	assert.Equal(t, "9.00", rec.Metrics["quality"].StringFixed(2))
	assert.Equal(t, "8.17", rec.Composite.StringFixed(2))
	assert.Equal(t, checkpoint.DecisionProceed, rec.Decision)
}

func TestRegressionBeyondToleranceHolds(t *testing.T) {
	prior := &checkpoint.Record{ID: "prior-1", Family: "quality", Composite: decimalPtr("9.00")}
	cases := []struct {
		name  string
		score float64
		want  checkpoint.Decision
	}{
		{"drop equal to tolerance", 8.5, checkpoint.DecisionHold},
		{"drop beyond tolerance", 8, checkpoint.DecisionHold},
		{"drop within tolerance", 8.6, checkpoint.DecisionProceed},
		{"improvement", 9.5, checkpoint.DecisionProceed},
		{"unchanged", 9, checkpoint.DecisionProceed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Evaluate(Input{
				Layer:    layerWith(qualityGate(7)),
				Outcomes: succeeded("a"),
				Reports:  scored(tc.score),
				Prior:    prior,
			})
			assert.Equal(t, tc.want, rec.Decision, rec.Rationale)
			assert.Equal(t, "prior-1", rec.PriorID)
			require.NotNil(t, rec.Delta)
		})
	}
}

func TestIncompleteSynthesisDefaultsToRerunAndCanHold(t *testing.T) {
	incomplete := SynthesisOutcome{
		TaskIDs: []string{"a", "b"},
		Result: synthesis.Result{
			Artifact:            "change",
			IncompleteSynthesis: true,
			ExpectedSources:     3,
			ReceivedSources:     2,
			MissingSources:      []string{"c"},
		},
	}
	rec := Evaluate(Input{Layer: layerWith(nil), Outcomes: succeeded("a", "b"), Syntheses: []SynthesisOutcome{incomplete}})
	assert.Equal(t, checkpoint.DecisionRerun, rec.Decision)
	assert.Contains(t, rec.Rationale, "missing c")

	gate := &workflow.GateSpec{
		Family:     "quality",
		Scale:      workflow.DefaultScale,
		Conditions: []workflow.ConditionSpec{{Name: workflow.ConditionCompleteSynthesis, OnFail: workflow.FailHold}},
	}
	rec = Evaluate(Input{Layer: layerWith(gate), Outcomes: succeeded("a", "b"), Syntheses: []SynthesisOutcome{incomplete}})
	assert.Equal(t, checkpoint.DecisionHold, rec.Decision)
	assert.Equal(t, []string{"complete-synthesis"}, rec.FailedConditions)
}

func TestRerunWinsOverHold(t *testing.T) {
	gate := &workflow.GateSpec{
		Family: "quality",
		Scale:  workflow.DefaultScale,
		Conditions: []workflow.ConditionSpec{
			{Name: workflow.ConditionZeroMajor, OnFail: workflow.FailHold},
			{Name: workflow.ConditionZeroCritical, OnFail: workflow.FailRerun},
		},
	}
	reports := []report.Report{{TaskID: "a", Findings: []report.Finding{
		{Location: "x", Severity: report.SeverityCritical, Description: "boom"},
	}}}
	rec := Evaluate(Input{Layer: layerWith(gate), Outcomes: succeeded("a"), Reports: reports})
	assert.Equal(t, checkpoint.DecisionRerun, rec.Decision)
	assert.Equal(t, []string{"zero-critical", "zero-major"}, rec.FailedConditions)
}

func TestZeroCriticalUsesEscalatedSeverity(t *testing.T) {
	gate := &workflow.GateSpec{
		Family:     "quality",
		Scale:      workflow.DefaultScale,
		Conditions: []workflow.ConditionSpec{{Name: workflow.ConditionZeroCritical, OnFail: workflow.FailHold}},
	}
	reports := []report.Report{
		{TaskID: "a", Findings: []report.Finding{{Location: "f:1", Severity: report.SeverityMinor, Description: "style"}}},
		{TaskID: "b", Findings: []report.Finding{{Location: "f:1", Severity: report.SeverityMajor, Description: "bug"}}},
	}
	syn := synthesis.Synthesize(reports)
	rec := Evaluate(Input{
		Layer:     layerWith(gate),
		Outcomes:  succeeded("a", "b"),
		Reports:   reports,
		Syntheses: []SynthesisOutcome{{TaskIDs: []string{"a", "b"}, Result: syn}},
	})
	assert.Equal(t, checkpoint.DecisionProceed, rec.Decision, rec.Rationale)
	assert.Contains(t, rec.Rationale, "conditions met: zero-critical")
}

func TestZeroCriticalCountsContradictedCriticalFinding(t *testing.T) {
	gate := &workflow.GateSpec{
		Family:     "quality",
		Scale:      workflow.DefaultScale,
		Conditions: []workflow.ConditionSpec{{Name: workflow.ConditionZeroCritical, OnFail: workflow.FailHold}},
	}
	reports := []report.Report{
		{TaskID: "a", Findings: []report.Finding{{Location: "db.go:10", Severity: report.SeverityCritical, Description: "stale reads", Recommendation: "Remove the cache"}}},
		{TaskID: "b", Findings: []report.Finding{{Location: "db.go:10", Severity: report.SeverityNote, Description: "cold start", Recommendation: "Add a cache warmup"}}},
	}
	syn := synthesis.Synthesize(reports)
	require.Len(t, syn.Contradictions, 1)
	require.Empty(t, syn.UnifiedFindings)

	rec := Evaluate(Input{
		Layer:     layerWith(gate),
		Outcomes:  succeeded("a", "b"),
		Reports:   reports,
		Syntheses: []SynthesisOutcome{{TaskIDs: []string{"a", "b"}, Result: syn}},
	})
	assert.Equal(t, checkpoint.DecisionHold, rec.Decision, rec.Rationale)
	assert.Contains(t, rec.Rationale, "zero-critical: 1 critical findings")
	assert.Equal(t, 1, CountAtLeast(reports, []SynthesisOutcome{{TaskIDs: []string{"a", "b"}, Result: syn}}, report.SeverityCritical))
}

func TestNoContradictionsCondition(t *testing.T) {
	gate := &workflow.GateSpec{
		Family:     "quality",
		Scale:      workflow.DefaultScale,
		Conditions: []workflow.ConditionSpec{{Name: workflow.ConditionNoContradictions, OnFail: workflow.FailHold}},
	}
	syn := synthesis.Result{Contradictions: []synthesis.ContradictionRecord{{Location: "f:10", SourceA: "a", SourceB: "b"}}}
	rec := Evaluate(Input{Layer: layerWith(gate), Outcomes: succeeded("a", "b"), Syntheses: []SynthesisOutcome{{Result: syn}}})
	assert.Equal(t, checkpoint.DecisionHold, rec.Decision)
	assert.Contains(t, rec.Rationale, "1 unresolved contradictions")
}

func TestOutOfScaleScoreFailsStructurally(t *testing.T) {
	rec := Evaluate(Input{Layer: layerWith(qualityGate(7)), Outcomes: succeeded("a"), Reports: scored(42)})
	assert.Equal(t, checkpoint.DecisionRerun, rec.Decision)
	assert.Nil(t, rec.Composite)
	assert.Contains(t, rec.FailedConditions, string(ConditionScores))
}

func TestMissingScoresFailStructurally(t *testing.T) {
	rec := Evaluate(Input{Layer: layerWith(qualityGate(7)), Outcomes: succeeded("a"), Reports: []report.Report{{TaskID: "a"}}})
	assert.Equal(t, checkpoint.DecisionRerun, rec.Decision)
	assert.Contains(t, rec.Rationale, "metric quality has no scores")
}

func TestEvaluateIsPure(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := Input{
		RunID:    "run",
		Layer:    layerWith(qualityGate(7)),
		Attempt:  2,
		Outcomes: succeeded("a", "b"),
		Reports:  scored(8, 9),
		Prior:    &checkpoint.Record{ID: "p", Composite: decimalPtr("8")},
		Now:      now,
	}
	first := Evaluate(in)
	second := Evaluate(in)
	assert.Equal(t, first, second)
	assert.Equal(t, now, first.Timestamp)
	assert.Equal(t, 2, first.Attempt)
	assert.Empty(t, first.ID)
}

func TestCancelledRecord(t *testing.T) {
	rec := Cancelled("run", layerWith(qualityGate(7)), 1, "context canceled", time.Time{})
	assert.Equal(t, checkpoint.DecisionCancelled, rec.Decision)
	assert.Equal(t, "quality", rec.Family)
	assert.Equal(t, "layer cancelled: context canceled", rec.Rationale)
}

func decimalPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}
