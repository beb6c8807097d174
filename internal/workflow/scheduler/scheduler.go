package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/conclave/internal/checkpoint"
	"github.com/kingrea/conclave/internal/logging"
	"github.com/kingrea/conclave/internal/metrics"
	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/role"
	"github.com/kingrea/conclave/internal/synthesis"
	"github.com/kingrea/conclave/internal/workflow/gate"
	"github.com/kingrea/conclave/internal/workflow/graph"
)

const (
	DefaultPoolSize    = 4
	DefaultMaxAttempts = 2
	DefaultMaxReruns   = 1
	DefaultBackoff     = 250 * time.Millisecond
)

// Scheduler runs graphs against a dispatcher and records every gate decision
// in its checkpoint log.
type Scheduler struct {
	log         checkpoint.Log
	logger      *logging.Logger
	metrics     *metrics.Recorder
	poolSize    int
	maxAttempts int
	maxReruns   int
	backoff     time.Duration
	taskTimeout time.Duration
	now         func() time.Time
}

// Option customises a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Scheduler) { s.metrics = recorder }
}

// WithPoolSize sets the parallel-pool bound for layers that do not set one.
func WithPoolSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// WithMaxAttempts sets the attempt budget for tasks that do not set one.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithMaxReruns sets the rerun budget for layers that do not set one.
func WithMaxReruns(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxReruns = n
		}
	}
}

// WithRetryBackoff sets the constant wait between task attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Scheduler) { s.backoff = retryBackoff(d) }
}

// WithTaskTimeout sets the timeout for tasks that do not set one. Zero means
// no timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.taskTimeout = d
		}
	}
}

// WithClock overrides the time source used for records and durations.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Scheduler appending to log. A nil log keeps records in memory.
func New(log checkpoint.Log, opts ...Option) *Scheduler {
	if log == nil {
		log = checkpoint.NewMemoryLog()
	}
	s := &Scheduler{
		log:         log,
		logger:      logging.Nop(),
		metrics:     metrics.Nop(),
		poolSize:    DefaultPoolSize,
		maxAttempts: DefaultMaxAttempts,
		maxReruns:   DefaultMaxReruns,
		backoff:     DefaultBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes g from its first layer under a fresh run id. The returned
// channel yields one result per layer evaluation and is closed when the run
// completes or halts; callers must drain it.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, d role.Dispatcher) <-chan LayerResult {
	return s.Resume(ctx, g, d, Progress{RunID: uuid.NewString()})
}

// Resume continues a run from progress. Layers before NextLayer are not
// executed; their reports serve as upstream context.
func (s *Scheduler) Resume(ctx context.Context, g *graph.Graph, d role.Dispatcher, progress Progress) <-chan LayerResult {
	out := make(chan LayerResult)
	go func() {
		defer close(out)
		runID := progress.RunID
		if runID == "" {
			runID = uuid.NewString()
		}
		upstream := make(map[string]report.Report, len(progress.Reports))
		for id, rep := range progress.Reports {
			upstream[id] = rep.Clone()
		}
		layers := g.Layers()
		s.logger.Info("run started", "run", runID, "workflow", g.ID(), "layers", len(layers), "from_layer", progress.NextLayer)

		for i, layer := range layers {
			if layer.Index < progress.NextLayer {
				continue
			}
			var result LayerResult
			if held := progress.Held; held != nil && progress.AcknowledgeHold && held.Index == layer.Index {
				result = s.acknowledge(ctx, runID, layer, *held, progress.AckNote)
			} else {
				result = s.runLayer(ctx, runID, layer, d, upstream, func(rerun LayerResult) { out <- rerun })
			}
			result.Final = !result.Succeeded() || i == len(layers)-1
			out <- result
			if !result.Succeeded() {
				s.logger.Warn("run halted", "run", runID, "layer", layer.Name, "status", result.Status, "rationale", result.Rationale)
				return
			}
			for _, rep := range result.Reports {
				upstream[rep.TaskID] = rep
			}
		}
		s.logger.Info("run complete", "run", runID, "workflow", g.ID())
	}()
	return out
}

// runLayer executes a layer until it reaches a decision that is not a
// retryable RERUN. Intermediate RERUN results go to emit.
func (s *Scheduler) runLayer(ctx context.Context, runID string, layer graph.Layer, d role.Dispatcher, upstream map[string]report.Report, emit func(LayerResult)) LayerResult {
	maxReruns := layer.MaxReruns
	if maxReruns < 0 {
		maxReruns = s.maxReruns
	}
	strategy := StrategyFor(layer, s.poolSize)
	for attempt := 1; ; attempt++ {
		lr := &layerRun{
			sched:      s,
			dispatcher: d,
			runID:      runID,
			layer:      layer,
			attempt:    attempt,
			upstream:   upstream,
			table:      newStatusTable(layer.Tasks),
		}
		s.logger.Info("layer running", "run", runID, "layer", layer.Name, "attempt", attempt, "strategy", strategy.Name(), "tasks", len(layer.Tasks))
		strategy.Execute(ctx, layer.Tasks, lr)
		tasks := lr.table.snapshot()

		if err := ctx.Err(); err != nil {
			return s.cancelled(ctx, runID, layer, attempt, tasks, err)
		}

		result := s.evaluate(ctx, runID, layer, attempt, tasks)
		if result.Err != nil || result.Status != LayerRerun {
			return result
		}
		if attempt > maxReruns {
			result.Status = LayerFailed
			result.Rationale = fmt.Sprintf("rerun budget of %d exhausted: %s", maxReruns, result.Record.Rationale)
			return result
		}
		s.logger.Info("layer rerun", "run", runID, "layer", layer.Name, "attempt", attempt, "rationale", result.Record.Rationale)
		emit(result)
	}
}

// evaluate synthesizes review groups, judges the layer and appends the
// decision to the checkpoint log.
func (s *Scheduler) evaluate(ctx context.Context, runID string, layer graph.Layer, attempt int, tasks []TaskResult) LayerResult {
	reports := reportsOf(tasks)
	syntheses := s.synthesize(ctx, layer, tasks)
	result := LayerResult{
		RunID:         runID,
		LayerIndex:    layer.Index,
		LayerName:     layer.Name,
		Attempt:       attempt,
		Status:        LayerGated,
		Tasks:         tasks,
		Reports:       reports,
		Syntheses:     syntheses,
		CriticalCount: gate.CountAtLeast(reports, syntheses, report.SeverityCritical),
	}

	outcomes := make([]gate.TaskOutcome, 0, len(tasks))
	for _, task := range tasks {
		outcomes = append(outcomes, task.outcome())
	}
	input := gate.Input{
		RunID:     runID,
		Layer:     layer,
		Attempt:   attempt,
		Outcomes:  outcomes,
		Reports:   reports,
		Syntheses: syntheses,
		Now:       s.now(),
	}
	if layer.Gate != nil {
		prior, ok, err := s.log.Latest(ctx, runID, layer.Gate.Family, layer.Index)
		if err != nil {
			return s.logFailure(result, fmt.Errorf("scheduler: load prior checkpoint: %w", err))
		}
		if ok {
			input.Prior = &prior
		}
	}

	rec, err := s.log.Append(ctx, gate.Evaluate(input))
	if err != nil {
		return s.logFailure(result, fmt.Errorf("scheduler: append checkpoint: %w", err))
	}
	result.Record = rec
	result.Status = statusFor(rec.Decision)
	result.Rationale = rec.Rationale
	s.metrics.LayerDecided(ctx, layer.Name, string(rec.Decision))
	s.logger.Info("layer decided", "run", runID, "layer", layer.Name, "attempt", attempt, "decision", rec.Decision, "rationale", rec.Rationale, "critical", result.CriticalCount)
	return result
}

func (s *Scheduler) logFailure(result LayerResult, err error) LayerResult {
	result.Status = LayerFailed
	result.Err = err
	result.Rationale = err.Error()
	s.logger.Error("checkpoint log failure", "run", result.RunID, "layer", result.LayerName, "error", err)
	return result
}

// synthesize merges the reports of each review group. Sources that did not
// report are expected under their task id.
func (s *Scheduler) synthesize(ctx context.Context, layer graph.Layer, tasks []TaskResult) []gate.SynthesisOutcome {
	groups := layer.ReviewGroups()
	if len(groups) == 0 {
		return nil
	}
	byID := make(map[string]TaskResult, len(tasks))
	for _, task := range tasks {
		byID[task.TaskID] = task
	}
	out := make([]gate.SynthesisOutcome, 0, len(groups))
	for _, group := range groups {
		var reports []report.Report
		for _, id := range group.TaskIDs {
			task := byID[id]
			if task.Status == TaskSucceeded && task.Report != nil {
				reports = append(reports, task.Report.Clone())
			}
		}
		result := synthesis.Synthesize(reports,
			synthesis.WithArtifact(group.Artifact),
			synthesis.WithExpectedSourceIDs(group.TaskIDs...),
		)
		s.metrics.Synthesized(ctx, group.Artifact, len(result.Contradictions), result.IncompleteSynthesis)
		s.logger.Debug("synthesized review group", "layer", layer.Name, "artifact", group.Artifact, "summary", result.Summary())
		out = append(out, gate.SynthesisOutcome{TaskIDs: append([]string(nil), group.TaskIDs...), Result: result})
	}
	return out
}

func (s *Scheduler) cancelled(ctx context.Context, runID string, layer graph.Layer, attempt int, tasks []TaskResult, cause error) LayerResult {
	result := LayerResult{
		RunID:      runID,
		LayerIndex: layer.Index,
		LayerName:  layer.Name,
		Attempt:    attempt,
		Status:     LayerCancelled,
		Tasks:      tasks,
	}
	// The parent context is already done; the audit record must still land.
	rec, err := s.log.Append(context.WithoutCancel(ctx), gate.Cancelled(runID, layer, attempt, cause.Error(), s.now()))
	if err != nil {
		result.Err = fmt.Errorf("scheduler: append checkpoint: %w", err)
	}
	result.Record = rec
	result.Rationale = "layer cancelled: " + cause.Error()
	s.metrics.LayerDecided(context.WithoutCancel(ctx), layer.Name, string(checkpoint.DecisionCancelled))
	s.logger.Warn("layer cancelled", "run", runID, "layer", layer.Name, "attempt", attempt, "cause", cause)
	return result
}

// acknowledge records an operator's acceptance of a held layer and reuses
// the held reports.
func (s *Scheduler) acknowledge(ctx context.Context, runID string, layer graph.Layer, held HeldLayer, note string) LayerResult {
	rationale := "HOLD acknowledged by operator"
	if note = strings.TrimSpace(note); note != "" {
		rationale += ": " + note
	}
	if held.Record.Rationale != "" {
		rationale += "; held on " + held.Record.Rationale
	}
	rec := held.Record.Clone()
	rec.ID = ""
	rec.RunID = runID
	rec.LayerIndex = layer.Index
	rec.LayerName = layer.Name
	rec.Timestamp = s.now()
	rec.Decision = checkpoint.DecisionProceed
	rec.Rationale = rationale
	rec.FailedConditions = nil
	if layer.Gate != nil {
		rec.Family = layer.Gate.Family
	}

	reports := make([]report.Report, len(held.Reports))
	for i, rep := range held.Reports {
		reports[i] = rep.Clone()
	}
	result := LayerResult{
		RunID:         runID,
		LayerIndex:    layer.Index,
		LayerName:     layer.Name,
		Attempt:       rec.Attempt,
		Reports:       reports,
		Acknowledged:  true,
		CriticalCount: gate.CountAtLeast(reports, nil, report.SeverityCritical),
	}
	appended, err := s.log.Append(ctx, rec)
	if err != nil {
		return s.logFailure(result, fmt.Errorf("scheduler: append checkpoint: %w", err))
	}
	result.Record = appended
	result.Status = LayerProceed
	result.Rationale = rationale
	s.metrics.LayerDecided(ctx, layer.Name, string(checkpoint.DecisionProceed))
	s.logger.Info("hold acknowledged", "run", runID, "layer", layer.Name, "note", note)
	return result
}
