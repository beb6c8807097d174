package gate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kingrea/conclave/internal/checkpoint"
	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/synthesis"
	"github.com/kingrea/conclave/internal/workflow"
	"github.com/kingrea/conclave/internal/workflow/graph"
)

// ConditionScores is reported when a score falls outside its scale or a
// metric has no samples.
const ConditionScores workflow.ConditionName = "scores-in-range"

// TaskOutcome is the terminal state of one task as seen by the gate.
type TaskOutcome struct {
	TaskID    string
	Status    string
	Succeeded bool
	Reason    string
}

// SynthesisOutcome is the synthesis of one review group.
type SynthesisOutcome struct {
	TaskIDs []string
	Result  synthesis.Result
}

// Input is everything the gate needs to judge a layer.
type Input struct {
	RunID     string
	Layer     graph.Layer
	Attempt   int
	Outcomes  []TaskOutcome
	Reports   []report.Report
	Syntheses []SynthesisOutcome
	// Prior is the latest earlier record of the same family, if any.
	Prior *checkpoint.Record
	Now   time.Time
}

type failure struct {
	condition workflow.ConditionName
	action    workflow.FailAction
	reason    string
}

// Evaluate judges a completed layer. It is a pure function of its input: the
// same input always yields the same record. The returned record has no id;
// the checkpoint log assigns one on append.
func Evaluate(in Input) checkpoint.Record {
	rec := checkpoint.Record{
		RunID:      in.RunID,
		LayerIndex: in.Layer.Index,
		LayerName:  in.Layer.Name,
		Attempt:    in.Attempt,
		Timestamp:  in.Now,
	}
	spec := in.Layer.Gate
	if spec != nil {
		rec.Family = spec.Family
	}

	failures := structuralFailures(in, spec)

	var composite *decimal.Decimal
	if spec != nil && len(spec.Metrics) > 0 {
		metrics, value, scoreFailures := computeMetrics(*spec, in.Reports)
		rec.Metrics = metrics
		failures = append(failures, scoreFailures...)
		if value != nil {
			composite = value
			rec.Composite = value
		}
	}
	if in.Prior != nil && in.Prior.Composite != nil && composite != nil {
		delta := composite.Sub(*in.Prior.Composite)
		rec.PriorID = in.Prior.ID
		rec.Delta = &delta
	}

	if len(failures) > 0 {
		rec.Decision = checkpoint.DecisionHold
		reasons := make([]string, 0, len(failures))
		for _, f := range failures {
			if f.action == workflow.FailRerun {
				rec.Decision = checkpoint.DecisionRerun
			}
			reasons = append(reasons, f.reason)
			rec.FailedConditions = appendUnique(rec.FailedConditions, string(f.condition))
		}
		rec.Rationale = "structural condition failed: " + strings.Join(reasons, "; ")
		return rec
	}

	if spec == nil {
		rec.Decision = checkpoint.DecisionProceed
		rec.Rationale = fmt.Sprintf("no gate declared; all %d tasks succeeded", len(in.Outcomes))
		return rec
	}

	var notes []string
	if composite != nil && spec.Floor != nil {
		floor := decimal.NewFromFloat(*spec.Floor)
		if composite.LessThanOrEqual(floor) {
			rec.Decision = checkpoint.DecisionHold
			rec.Rationale = fmt.Sprintf("composite %s at or below floor %s", composite.StringFixed(2), floor.StringFixed(2))
			return rec
		}
		notes = append(notes, fmt.Sprintf("composite %s above floor %s", composite.StringFixed(2), floor.StringFixed(2)))
	} else if composite != nil {
		notes = append(notes, fmt.Sprintf("composite %s", composite.StringFixed(2)))
	}
	if rec.Delta != nil {
		tolerance := decimal.NewFromFloat(spec.RegressionTolerance)
		if rec.Delta.IsNegative() && rec.Delta.Abs().GreaterThanOrEqual(tolerance) {
			rec.Decision = checkpoint.DecisionHold
			rec.Rationale = fmt.Sprintf("composite %s regressed %s from prior %s, tolerance %s",
				composite.StringFixed(2), rec.Delta.StringFixed(2), in.Prior.Composite.StringFixed(2), tolerance.StringFixed(2))
			return rec
		}
		notes = append(notes, fmt.Sprintf("delta %s within tolerance %s", rec.Delta.StringFixed(2), tolerance.StringFixed(2)))
	}
	if len(spec.Conditions) > 0 {
		names := make([]string, 0, len(spec.Conditions))
		for _, cond := range spec.Conditions {
			names = append(names, string(cond.Name))
		}
		notes = append(notes, "conditions met: "+strings.Join(names, ", "))
	}
	if len(notes) == 0 {
		notes = append(notes, "gate declares no metrics; all tasks succeeded")
	}
	rec.Decision = checkpoint.DecisionProceed
	rec.Rationale = strings.Join(notes, "; ")
	return rec
}

// Cancelled builds the record written when a layer is aborted.
func Cancelled(runID string, layer graph.Layer, attempt int, reason string, now time.Time) checkpoint.Record {
	rec := checkpoint.Record{
		RunID:      runID,
		LayerIndex: layer.Index,
		LayerName:  layer.Name,
		Attempt:    attempt,
		Timestamp:  now,
		Decision:   checkpoint.DecisionCancelled,
		Rationale:  "layer cancelled: " + reason,
	}
	if layer.Gate != nil {
		rec.Family = layer.Gate.Family
	}
	return rec
}

func structuralFailures(in Input, spec *workflow.GateSpec) []failure {
	var failures []failure

	for _, outcome := range in.Outcomes {
		if outcome.Succeeded {
			continue
		}
		reason := fmt.Sprintf("task %s %s", outcome.TaskID, strings.ToLower(outcome.Status))
		if outcome.Reason != "" {
			reason += " (" + outcome.Reason + ")"
		}
		failures = append(failures, failure{workflow.ConditionTasksSucceeded, workflow.FailRerun, reason})
	}

	synthesisAction := workflow.FailRerun
	if spec != nil {
		synthesisAction = spec.ActionFor(workflow.ConditionCompleteSynthesis)
	}
	for _, syn := range in.Syntheses {
		if !syn.Result.IncompleteSynthesis {
			continue
		}
		reason := fmt.Sprintf("synthesis of %s incomplete (%d/%d sources", label(syn.Result.Artifact), syn.Result.ReceivedSources, syn.Result.ExpectedSources)
		if len(syn.Result.MissingSources) > 0 {
			reason += ", missing " + strings.Join(syn.Result.MissingSources, ", ")
		}
		reason += ")"
		failures = append(failures, failure{workflow.ConditionCompleteSynthesis, synthesisAction, reason})
	}

	if spec == nil {
		return failures
	}
	for _, cond := range spec.Conditions {
		switch cond.Name {
		case workflow.ConditionZeroCritical:
			if n := CountAtLeast(in.Reports, in.Syntheses, report.SeverityCritical); n > 0 {
				failures = append(failures, failure{cond.Name, cond.OnFail, fmt.Sprintf("%s: %d critical findings", cond.Name, n)})
			}
		case workflow.ConditionZeroMajor:
			if n := CountAtLeast(in.Reports, in.Syntheses, report.SeverityMajor); n > 0 {
				failures = append(failures, failure{cond.Name, cond.OnFail, fmt.Sprintf("%s: %d findings at major or above", cond.Name, n)})
			}
		case workflow.ConditionNoContradictions:
			total := 0
			for _, syn := range in.Syntheses {
				total += len(syn.Result.Contradictions)
			}
			if total > 0 {
				failures = append(failures, failure{cond.Name, cond.OnFail, fmt.Sprintf("%s: %d unresolved contradictions", cond.Name, total)})
			}
		}
	}
	return failures
}

// CountAtLeast counts findings at or above min, using escalated severities
// for synthesized reports and raw severities for the rest.
func CountAtLeast(reports []report.Report, syntheses []SynthesisOutcome, min report.Severity) int {
	covered := map[string]struct{}{}
	count := 0
	for _, syn := range syntheses {
		count += syn.Result.CountAtLeast(min)
		for _, id := range syn.TaskIDs {
			covered[id] = struct{}{}
		}
	}
	for _, rep := range reports {
		if _, ok := covered[rep.TaskID]; ok {
			continue
		}
		count += rep.CountAtLeast(min)
	}
	return count
}

// computeMetrics averages each dimension across reports, averages the
// dimensions of each metric, and weights the metrics into a composite. All
// values are rounded half-up to two decimal places.
func computeMetrics(spec workflow.GateSpec, reports []report.Report) (map[string]decimal.Decimal, *decimal.Decimal, []failure) {
	var failures []failure
	metrics := map[string]decimal.Decimal{}
	weighted := decimal.Zero
	totalWeight := decimal.Zero

	for _, metric := range spec.Metrics {
		scale := spec.ScaleFor(metric)
		dimensionMeans := make([]decimal.Decimal, 0, len(metric.Dimensions))
		for _, dim := range metric.Dimensions {
			sum := decimal.Zero
			n := int64(0)
			for _, rep := range reports {
				value, ok := rep.Scores[dim]
				if !ok {
					continue
				}
				if !scale.Contains(value) {
					failures = append(failures, failure{ConditionScores, workflow.FailRerun,
						fmt.Sprintf("%s score %g from %s outside scale %g-%g", dim, value, rep.SourceID(), scale.Min, scale.Max)})
					continue
				}
				sum = sum.Add(decimal.NewFromFloat(value))
				n++
			}
			if n > 0 {
				dimensionMeans = append(dimensionMeans, sum.Div(decimal.NewFromInt(n)))
			}
		}
		if len(dimensionMeans) == 0 {
			failures = append(failures, failure{ConditionScores, workflow.FailRerun,
				fmt.Sprintf("metric %s has no scores", metric.Name)})
			continue
		}
		value := decimal.Avg(dimensionMeans[0], dimensionMeans[1:]...).Round(2)
		metrics[metric.Name] = value
		weight := decimal.NewFromFloat(metric.EffectiveWeight())
		weighted = weighted.Add(value.Mul(weight))
		totalWeight = totalWeight.Add(weight)
	}

	if len(metrics) == 0 {
		return nil, nil, failures
	}
	if len(failures) > 0 || totalWeight.IsZero() {
		return metrics, nil, failures
	}
	composite := weighted.Div(totalWeight).Round(2)
	return metrics, &composite, failures
}

func appendUnique(values []string, value string) []string {
	for _, v := range values {
		if v == value {
			return values
		}
	}
	values = append(values, value)
	sort.Strings(values)
	return values
}

func label(artifact string) string {
	if artifact == "" {
		return "reports"
	}
	return artifact
}
