package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/conclave/internal/checkpoint"
	"github.com/kingrea/conclave/internal/synthesis"
	"github.com/kingrea/conclave/internal/workflow/engine"
	"github.com/kingrea/conclave/internal/workflow/scheduler"
)

var (
	labelStyleProceed   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleHold      = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	attentionTextStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	headingTextStyle    = lipgloss.NewStyle().Bold(true)
	contradictTextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
)

func labelStyleForState(state string) lipgloss.Style {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "proceed", "succeeded", "complete":
		return labelStyleProceed
	case "hold", "held", "rerun", "timedout":
		return labelStyleHold
	case "failed", "error", "critical":
		return labelStyleFailed
	case "running", "dispatched", "gated":
		return labelStyleRunning
	case "skipped", "cancelled", "queued", "pending":
		return labelStyleSkipped
	default:
		return labelStyleDefault
	}
}

func label(state string) string {
	return labelStyleForState(state).Render(state)
}

// RenderLayer formats one layer result: a status line, the gate rationale,
// one line per task, synthesis summaries and, when critical findings were
// raised, an attention line.
func RenderLayer(r scheduler.LayerResult) string {
	header := fmt.Sprintf("Layer %d %s (attempt %d) · %s", r.LayerIndex, r.LayerName, r.Attempt, label(string(r.Status)))
	if r.Record.Composite != nil {
		header += fmt.Sprintf(" · composite %s", r.Record.Composite.StringFixed(2))
	}
	if r.Record.Delta != nil {
		header += fmt.Sprintf(" · delta %s", r.Record.Delta.StringFixed(2))
	}
	if r.Acknowledged {
		header += " · acknowledged"
	}
	lines := []string{header}
	if r.Rationale != "" {
		lines = append(lines, detailTextStyle.Render("  "+r.Rationale))
	}
	for _, task := range r.Tasks {
		line := fmt.Sprintf("  - %s [%s] %s", task.TaskID, task.Role, label(string(task.Status)))
		if task.Attempts > 1 {
			line += fmt.Sprintf(" after %d attempts", task.Attempts)
		}
		switch {
		case task.Err != nil:
			line += " · " + task.Err.Error()
		case task.Reason != "":
			line += " · " + task.Reason
		}
		lines = append(lines, line)
	}
	for _, syn := range r.Syntheses {
		lines = append(lines, detailTextStyle.Render(fmt.Sprintf("  synthesis %s: %s", artifactLabel(syn.Result.Artifact), syn.Result.Summary())))
	}
	if r.Err != nil {
		lines = append(lines, labelStyleFailed.Render("  error: "+r.Err.Error()))
	}
	if r.CriticalCount > 0 {
		lines = append(lines, attentionTextStyle.Render(fmt.Sprintf("  ! %d critical finding(s) need immediate attention", r.CriticalCount)))
	}
	return strings.Join(lines, "\n")
}

// RenderState formats a persisted run.
func RenderState(state engine.State) string {
	status := fmt.Sprintf("Run %s · %s · %s", state.RunID, state.WorkflowID, label(string(state.Status)))
	if state.StatusReason != "" {
		status += " · " + state.StatusReason
	}
	lines := []string{headingTextStyle.Render(status)}
	for _, layer := range state.Layers {
		line := fmt.Sprintf("  %d %s · %s", layer.Index, layer.Name, label(string(layer.Status)))
		if layer.Attempt > 0 {
			line += fmt.Sprintf(" (attempt %d)", layer.Attempt)
		}
		if layer.Acknowledged {
			line += " · acknowledged"
		}
		if layer.CriticalCount > 0 {
			line += " · " + attentionTextStyle.Render(fmt.Sprintf("%d critical", layer.CriticalCount))
		}
		lines = append(lines, line)
	}
	if state.Held != nil {
		lines = append(lines, labelStyleHold.Render(fmt.Sprintf("  held at layer %d: %s", state.Held.Index, state.Held.Record.Rationale)))
		lines = append(lines, detailTextStyle.Render("  resume with --ack-hold to accept, or without to re-run the layer"))
	}
	return strings.Join(lines, "\n")
}

// RenderRecords formats checkpoint records as an audit trail.
func RenderRecords(records []checkpoint.Record) string {
	if len(records) == 0 {
		return detailTextStyle.Render("no checkpoint records")
	}
	lines := make([]string, 0, len(records)*2)
	for _, rec := range records {
		line := fmt.Sprintf("%s  layer %d %s attempt %d  %s",
			rec.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), rec.LayerIndex, rec.LayerName, rec.Attempt, label(string(rec.Decision)))
		if rec.Composite != nil {
			line += " composite " + rec.Composite.StringFixed(2)
		}
		if rec.Delta != nil {
			line += " delta " + rec.Delta.StringFixed(2)
		}
		lines = append(lines, line)
		lines = append(lines, detailTextStyle.Render("  "+rec.Rationale))
	}
	return strings.Join(lines, "\n")
}

// RenderSynthesis formats a synthesis result, most agreed findings first.
func RenderSynthesis(res synthesis.Result) string {
	lines := []string{headingTextStyle.Render(fmt.Sprintf("Synthesis of %s · %s", artifactLabel(res.Artifact), res.Summary()))}
	if res.IncompleteSynthesis && len(res.MissingSources) > 0 {
		lines = append(lines, labelStyleHold.Render("  missing sources: "+strings.Join(res.MissingSources, ", ")))
	}
	for _, f := range res.UnifiedFindings {
		severity := f.Severity.String()
		if f.Severity != f.OriginalSeverity() {
			severity = fmt.Sprintf("%s (was %s)", f.Severity, f.OriginalSeverity())
		}
		line := fmt.Sprintf("  %s %s · %s · %s", label(severity), f.Location, f.Agreement, strings.Join(f.Sources, ", "))
		if len(f.Tags) > 0 {
			tags := make([]string, len(f.Tags))
			for i, tag := range f.Tags {
				tags[i] = string(tag)
			}
			line += " [" + strings.Join(tags, ", ") + "]"
		}
		lines = append(lines, line)
		lines = append(lines, detailTextStyle.Render("    "+f.Finding.Description))
	}
	for _, c := range res.Contradictions {
		lines = append(lines, contradictTextStyle.Render(fmt.Sprintf("  contradiction at %s: %s says %q, %s says %q",
			c.Location, c.SourceA, c.RecommendationA, c.SourceB, c.RecommendationB)))
	}
	for _, name := range sortedScoreNames(res) {
		lines = append(lines, detailTextStyle.Render(fmt.Sprintf("  baseline %s %s", name, res.BaselineScores[name].StringFixed(2))))
	}
	return strings.Join(lines, "\n")
}

func artifactLabel(artifact string) string {
	if artifact == "" {
		return "reports"
	}
	return artifact
}

func sortedScoreNames(res synthesis.Result) []string {
	names := make([]string, 0, len(res.BaselineScores))
	for name := range res.BaselineScores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
