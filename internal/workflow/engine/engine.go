package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/conclave/internal/logging"
	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/role"
	"github.com/kingrea/conclave/internal/workflow"
	"github.com/kingrea/conclave/internal/workflow/graph"
	"github.com/kingrea/conclave/internal/workflow/scheduler"
)

var (
	// ErrRunComplete is returned when resuming a run that already finished.
	ErrRunComplete = errors.New("workflow engine: run already complete")
	// ErrNotHeld is returned when acknowledging a run that is not held.
	ErrNotHeld = errors.New("workflow engine: run is not held")
)

// Engine coordinates graph building and scheduling while persisting run state.
type Engine struct {
	scheduler *scheduler.Scheduler
	repo      StateStore
	caps      graph.Capabilities
	logger    *logging.Logger
	clock     func() time.Time
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New wires an engine to a scheduler, a persistence store and the roles that
// can be dispatched.
func New(sched *scheduler.Scheduler, repo StateStore, caps graph.Capabilities, opts ...Option) (*Engine, error) {
	if sched == nil {
		return nil, fmt.Errorf("workflow engine: scheduler is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("workflow engine: state store is required")
	}
	if caps == nil {
		return nil, fmt.Errorf("workflow engine: capabilities are required")
	}
	engine := &Engine{
		scheduler: sched,
		repo:      repo,
		caps:      caps,
		logger:    logging.Nop(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// StartRequest bootstraps a run of a workflow definition.
type StartRequest struct {
	Definition workflow.WorkflowDefinition
	// RunID is generated when empty.
	RunID string
}

// ResumeRequest continues a persisted run. An empty RunID selects the latest.
type ResumeRequest struct {
	RunID           string
	AcknowledgeHold bool
	Note            string
}

// Start validates the definition, persists the initial state and streams the
// run's layer results. A malformed definition fails before anything is
// dispatched or written.
func (e *Engine) Start(ctx context.Context, d role.Dispatcher, req StartRequest) (State, <-chan scheduler.LayerResult, error) {
	g, err := graph.Build(req.Definition, e.caps)
	if err != nil {
		return State{}, nil, err
	}
	def := g.Definition()
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = generateRunID(def.ID, e.now())
	}
	now := e.now()
	state := State{
		RunID:      runID,
		WorkflowID: def.ID,
		Definition: def.Clone(),
		Status:     EngineStatusRunning,
		Layers:     newLayerSummaries(def),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.repo.Save(state); err != nil {
		return State{}, nil, fmt.Errorf("workflow engine: save state: %w", err)
	}
	e.logger.Info("run started", "run", runID, "workflow", def.ID)
	stream := e.scheduler.Resume(ctx, g, d, state.progress(false, ""))
	return state, e.track(state, stream), nil
}

// Resume continues a halted or interrupted run from its first layer that has
// not PROCEEDed. A held layer is re-run unless the hold is acknowledged, in
// which case its reports are accepted as they are.
func (e *Engine) Resume(ctx context.Context, d role.Dispatcher, req ResumeRequest) (State, <-chan scheduler.LayerResult, error) {
	state, err := e.load(req.RunID)
	if err != nil {
		return State{}, nil, err
	}
	if state.Terminal() {
		return State{}, nil, fmt.Errorf("%w: %s", ErrRunComplete, state.RunID)
	}
	if req.AcknowledgeHold && state.Held == nil {
		return State{}, nil, fmt.Errorf("%w: %s is %s", ErrNotHeld, state.RunID, state.Status)
	}
	g, err := graph.Build(state.Definition, e.caps)
	if err != nil {
		return State{}, nil, err
	}
	acknowledge := req.AcknowledgeHold || state.Acknowledged
	note := req.Note
	if note == "" {
		note = state.AckNote
	}
	state.Status = EngineStatusRunning
	state.StatusReason = ""
	state.UpdatedAt = e.now()
	if err := e.repo.Save(state); err != nil {
		return State{}, nil, fmt.Errorf("workflow engine: save state: %w", err)
	}
	e.logger.Info("run resumed", "run", state.RunID, "next_layer", state.NextLayer, "acknowledge_hold", acknowledge)
	stream := e.scheduler.Resume(ctx, g, d, state.progress(acknowledge, note))
	return state, e.track(state, stream), nil
}

// Acknowledge records an operator's acceptance of a held run. The next
// Resume treats the held layer as PROCEED.
func (e *Engine) Acknowledge(runID, note string) (State, error) {
	state, err := e.load(runID)
	if err != nil {
		return State{}, err
	}
	if state.Status != EngineStatusHeld || state.Held == nil {
		return State{}, fmt.Errorf("%w: %s is %s", ErrNotHeld, state.RunID, state.Status)
	}
	state.Acknowledged = true
	state.AckNote = strings.TrimSpace(note)
	state.StatusReason = "hold acknowledged, resume to continue"
	state.UpdatedAt = e.now()
	if err := e.repo.Save(state); err != nil {
		return State{}, fmt.Errorf("workflow engine: save state: %w", err)
	}
	return state, nil
}

// View returns the persisted snapshot of a run. An empty runID selects the
// latest.
func (e *Engine) View(runID string) (State, error) {
	return e.load(runID)
}

func (e *Engine) load(runID string) (State, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		latest, err := e.repo.Latest()
		if err != nil {
			return State{}, err
		}
		runID = latest
	}
	return e.repo.Load(runID)
}

// track applies every result to the persisted state before forwarding it.
func (e *Engine) track(state State, in <-chan scheduler.LayerResult) <-chan scheduler.LayerResult {
	out := make(chan scheduler.LayerResult)
	go func() {
		defer close(out)
		for result := range in {
			state = e.apply(state, result)
			if err := e.repo.Archive(state.RunID, archiveEntry(result)); err != nil {
				e.logger.Error("archive reports failed", "run", state.RunID, "layer", result.LayerName, "error", err)
				if result.Err == nil {
					result.Err = fmt.Errorf("workflow engine: archive reports: %w", err)
				}
			}
			if err := e.repo.Save(state); err != nil {
				e.logger.Error("save state failed", "run", state.RunID, "error", err)
				if result.Err == nil {
					result.Err = fmt.Errorf("workflow engine: save state: %w", err)
				}
			}
			out <- result
		}
	}()
	return out
}

func (e *Engine) apply(state State, result scheduler.LayerResult) State {
	now := e.now()
	state.UpdatedAt = now
	for i := range state.Layers {
		if state.Layers[i].Index != result.LayerIndex {
			continue
		}
		state.Layers[i] = LayerSummary{
			Index:         result.LayerIndex,
			Name:          result.LayerName,
			Status:        result.Status,
			Attempt:       result.Attempt,
			Decision:      result.Record.Decision,
			Rationale:     result.Rationale,
			CheckpointID:  result.Record.ID,
			CriticalCount: result.CriticalCount,
			Acknowledged:  result.Acknowledged,
			UpdatedAt:     now,
		}
	}

	switch {
	case result.Err != nil:
		state.Status = EngineStatusError
		state.StatusReason = result.Err.Error()
	case result.Status == scheduler.LayerProceed:
		if state.Reports == nil {
			state.Reports = map[string]report.Report{}
		}
		for _, rep := range result.Reports {
			state.Reports[rep.TaskID] = rep.Clone()
		}
		state.NextLayer = result.LayerIndex + 1
		state.Held = nil
		state.Acknowledged = false
		state.AckNote = ""
		state.Status = EngineStatusRunning
		state.StatusReason = ""
		if result.Final {
			state.Status = EngineStatusComplete
		}
	case result.Status == scheduler.LayerHold:
		state.NextLayer = result.LayerIndex
		state.Held = &HeldState{Index: result.LayerIndex, Record: result.Record.Clone(), Reports: cloneReports(result.Reports)}
		state.Status = EngineStatusHeld
		state.StatusReason = fmt.Sprintf("layer %s held: %s", result.LayerName, result.Rationale)
	case result.Status == scheduler.LayerRerun:
		state.Status = EngineStatusRunning
		state.StatusReason = fmt.Sprintf("layer %s rerunning: %s", result.LayerName, result.Rationale)
	case result.Status == scheduler.LayerCancelled:
		state.NextLayer = result.LayerIndex
		state.Status = EngineStatusCancelled
		state.StatusReason = result.Rationale
	default:
		state.NextLayer = result.LayerIndex
		state.Status = EngineStatusFailed
		state.StatusReason = fmt.Sprintf("layer %s failed: %s", result.LayerName, result.Rationale)
	}
	return state
}

func archiveEntry(result scheduler.LayerResult) ArchiveEntry {
	return ArchiveEntry{
		LayerIndex: result.LayerIndex,
		LayerName:  result.LayerName,
		Attempt:    result.Attempt,
		Decision:   string(result.Status),
		Reports:    result.Reports,
		Syntheses:  result.Syntheses,
	}
}

func generateRunID(workflowID string, now time.Time) string {
	base := strings.TrimSpace(workflowID)
	if base == "" {
		base = "workflow"
	}
	base = strings.ToLower(strings.ReplaceAll(base, " ", "-"))
	return fmt.Sprintf("%s-%s-%s", base, now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}
