package engine

import (
	"time"

	"github.com/kingrea/conclave/internal/checkpoint"
	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/workflow"
	"github.com/kingrea/conclave/internal/workflow/scheduler"
)

// EngineStatus enumerates coarse run phases.
type EngineStatus string

const (
	EngineStatusUnknown   EngineStatus = "unknown"
	EngineStatusRunning   EngineStatus = "running"
	EngineStatusHeld      EngineStatus = "held"
	EngineStatusFailed    EngineStatus = "failed"
	EngineStatusCancelled EngineStatus = "cancelled"
	EngineStatusComplete  EngineStatus = "complete"
	EngineStatusError     EngineStatus = "error"
)

// State captures the persisted snapshot of a run.
type State struct {
	RunID      string                      `json:"run_id"`
	WorkflowID string                      `json:"workflow_id"`
	Definition workflow.WorkflowDefinition `json:"definition"`
	Status     EngineStatus                `json:"status"`
	// StatusReason provides human readable explanation for non-running states.
	StatusReason string                   `json:"status_reason,omitempty"`
	NextLayer    int                      `json:"next_layer"`
	Layers       []LayerSummary           `json:"layers"`
	Reports      map[string]report.Report `json:"reports,omitempty"`
	Held         *HeldState               `json:"held,omitempty"`
	Acknowledged bool                     `json:"acknowledged,omitempty"`
	AckNote      string                   `json:"ack_note,omitempty"`
	StartedAt    time.Time                `json:"started_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// LayerSummary is the last known outcome of one layer.
type LayerSummary struct {
	Index         int                   `json:"index"`
	Name          string                `json:"name"`
	Status        scheduler.LayerStatus `json:"status"`
	Attempt       int                   `json:"attempt,omitempty"`
	Decision      checkpoint.Decision   `json:"decision,omitempty"`
	Rationale     string                `json:"rationale,omitempty"`
	CheckpointID  string                `json:"checkpoint_id,omitempty"`
	CriticalCount int                   `json:"critical_count,omitempty"`
	Acknowledged  bool                  `json:"acknowledged,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// HeldState keeps what a HOLD needs to be acknowledged later.
type HeldState struct {
	Index   int               `json:"index"`
	Record  checkpoint.Record `json:"record"`
	Reports []report.Report   `json:"reports,omitempty"`
}

// Terminal reports whether the run can no longer make progress on its own.
func (s State) Terminal() bool {
	return s.Status == EngineStatusComplete
}

// progress converts the snapshot into the scheduler's resume position.
func (s State) progress(acknowledge bool, note string) scheduler.Progress {
	progress := scheduler.Progress{
		RunID:           s.RunID,
		NextLayer:       s.NextLayer,
		Reports:         cloneReportMap(s.Reports),
		AcknowledgeHold: acknowledge,
		AckNote:         note,
	}
	if s.Held != nil {
		progress.Held = &scheduler.HeldLayer{
			Index:   s.Held.Index,
			Record:  s.Held.Record.Clone(),
			Reports: cloneReports(s.Held.Reports),
		}
	}
	return progress
}

func newLayerSummaries(def workflow.WorkflowDefinition) []LayerSummary {
	out := make([]LayerSummary, 0, len(def.Layers))
	for i, layer := range def.Layers {
		index := i
		if layer.Index != nil {
			index = *layer.Index
		}
		out = append(out, LayerSummary{Index: index, Name: layer.Name, Status: scheduler.LayerPending})
	}
	return out
}

func cloneReportMap(values map[string]report.Report) map[string]report.Report {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]report.Report, len(values))
	for id, rep := range values {
		out[id] = rep.Clone()
	}
	return out
}

func cloneReports(values []report.Report) []report.Report {
	if len(values) == 0 {
		return nil
	}
	out := make([]report.Report, len(values))
	for i, rep := range values {
		out[i] = rep.Clone()
	}
	return out
}
