package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/conclave/internal/checkpoint"
	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/workflow/gate"
)

// ErrTaskTimeout marks an attempt that exceeded its task timeout.
var ErrTaskTimeout = errors.New("scheduler: task timed out")

// TaskExecutionError is the terminal error of a task whose attempts were
// exhausted or that failed fatally.
type TaskExecutionError struct {
	TaskID   string
	Role     string
	Attempts int
	Err      error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("scheduler: task %s (%s) failed after %d attempt(s): %v", e.TaskID, e.Role, e.Attempts, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// TaskStatus is the lifecycle state of a task within one layer attempt.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "Queued"
	TaskDispatched TaskStatus = "Dispatched"
	TaskSucceeded  TaskStatus = "Succeeded"
	TaskFailed     TaskStatus = "Failed"
	TaskTimedOut   TaskStatus = "TimedOut"
	TaskCancelled  TaskStatus = "Cancelled"
	TaskSkipped    TaskStatus = "Skipped"
)

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskCancelled, TaskSkipped:
		return true
	default:
		return false
	}
}

// TaskResult is the final state of one task.
type TaskResult struct {
	TaskID   string
	Role     string
	Status   TaskStatus
	Attempts int
	Report   *report.Report
	Err      error
	Duration time.Duration

	// Reason explains a skipped or cancelled task that was never dispatched.
	Reason string
}

func (r TaskResult) outcome() gate.TaskOutcome {
	reason := r.Reason
	if r.Err != nil {
		reason = r.Err.Error()
	}
	return gate.TaskOutcome{
		TaskID:    r.TaskID,
		Status:    string(r.Status),
		Succeeded: r.Status == TaskSucceeded,
		Reason:    reason,
	}
}

// LayerStatus is the state a layer ends an evaluation in.
type LayerStatus string

const (
	LayerPending   LayerStatus = "Pending"
	LayerRunning   LayerStatus = "Running"
	LayerGated     LayerStatus = "Gated"
	LayerProceed   LayerStatus = "PROCEED"
	LayerHold      LayerStatus = "HOLD"
	LayerRerun     LayerStatus = "RERUN"
	LayerFailed    LayerStatus = "Failed"
	LayerCancelled LayerStatus = "Cancelled"
)

func statusFor(decision checkpoint.Decision) LayerStatus {
	switch decision {
	case checkpoint.DecisionProceed:
		return LayerProceed
	case checkpoint.DecisionHold:
		return LayerHold
	case checkpoint.DecisionRerun:
		return LayerRerun
	default:
		return LayerCancelled
	}
}

// LayerResult is emitted once per layer evaluation, including every RERUN.
type LayerResult struct {
	RunID      string
	LayerIndex int
	LayerName  string
	Attempt    int
	Status     LayerStatus
	Rationale  string
	Record     checkpoint.Record
	Tasks      []TaskResult
	Reports    []report.Report
	Syntheses  []gate.SynthesisOutcome
	Err        error

	// CriticalCount is the number of critical findings that need immediate
	// attention, counted with escalated severities.
	CriticalCount int

	// Acknowledged is set when an operator accepted a HOLD for this layer.
	Acknowledged bool

	// Final is set on the last result of the stream.
	Final bool
}

// Succeeded reports whether the layer let the run advance.
func (r LayerResult) Succeeded() bool {
	return r.Status == LayerProceed
}

// HeldLayer is a layer that stopped a previous run with HOLD.
type HeldLayer struct {
	Index   int
	Record  checkpoint.Record
	Reports []report.Report
}

// Progress describes where a resumed run picks up.
type Progress struct {
	RunID string

	// NextLayer is the first layer to execute; every earlier layer PROCEEDed.
	NextLayer int

	// Reports holds the reports of completed layers keyed by task id.
	Reports map[string]report.Report

	// Held is the layer that stopped the previous run, if it held.
	Held *HeldLayer

	// AcknowledgeHold accepts Held as PROCEED instead of re-running it.
	AcknowledgeHold bool
	AckNote         string
}
