package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/role"
	"github.com/kingrea/conclave/internal/workflow/graph"
)

// layerRun is one attempt at a layer.
type layerRun struct {
	sched      *Scheduler
	dispatcher role.Dispatcher
	runID      string
	layer      graph.Layer
	attempt    int
	upstream   map[string]report.Report
	table      *statusTable
}

// Run executes task with retries and records its terminal state.
func (lr *layerRun) Run(ctx context.Context, task graph.Task) TaskResult {
	s := lr.sched
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewConstant(s.backoff))

	start := s.now()
	attempts := 0
	timedOut := false
	var (
		rep     report.Report
		lastErr error
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		lr.table.dispatched(task.ID, attempts)
		out, err := lr.dispatchOnce(ctx, task, attempts)
		if err == nil {
			s.metrics.TaskAttempt(ctx, task.Role, "success")
			rep = out
			return nil
		}
		lastErr = err
		timedOut = errors.Is(err, ErrTaskTimeout)
		switch {
		case ctx.Err() != nil:
			s.metrics.TaskAttempt(ctx, task.Role, "cancelled")
			return err
		case timedOut:
			s.metrics.TaskAttempt(ctx, task.Role, "timeout")
		default:
			s.metrics.TaskAttempt(ctx, task.Role, "error")
		}
		s.logger.Warn("task attempt failed", "run", lr.runID, "task", task.ID, "attempt", attempts, "max_attempts", maxAttempts, "error", err)
		if role.IsFatal(err) {
			return err
		}
		return retry.RetryableError(err)
	})

	result := TaskResult{TaskID: task.ID, Role: task.Role, Attempts: attempts, Duration: s.now().Sub(start)}
	switch {
	case err == nil:
		result.Status = TaskSucceeded
		result.Report = &rep
	case ctx.Err() != nil:
		result.Status = TaskCancelled
		result.Err = fmt.Errorf("scheduler: task %s cancelled: %w", task.ID, ctx.Err())
		if attempts == 0 {
			result.Reason = "layer cancelled before dispatch"
			result.Err = nil
		}
	default:
		if lastErr == nil {
			lastErr = err
		}
		result.Status = TaskFailed
		if timedOut {
			result.Status = TaskTimedOut
		}
		result.Err = &TaskExecutionError{TaskID: task.ID, Role: task.Role, Attempts: attempts, Err: lastErr}
	}
	lr.table.finish(result)
	s.metrics.TaskFinished(context.WithoutCancel(ctx), task.Role, string(result.Status), result.Duration)
	return result
}

// Skip marks a task that will never be dispatched in this attempt.
func (lr *layerRun) Skip(task graph.Task, status TaskStatus, reason string) {
	lr.table.finish(TaskResult{TaskID: task.ID, Role: task.Role, Status: status, Reason: reason})
}

type callResult struct {
	rep report.Report
	err error
}

// dispatchOnce performs one dispatch. The dispatcher is cancelled whenever the
// call is abandoned, whether by timeout or by layer cancellation.
func (lr *layerRun) dispatchOnce(ctx context.Context, task graph.Task, n int) (report.Report, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = lr.sched.taskTimeout
	}
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		rep, err := lr.dispatcher.Execute(callCtx, lr.taskFor(task, n))
		done <- callResult{rep: rep, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return stamp(out.rep, task), nil
		}
		if callCtx.Err() == nil {
			return report.Report{}, out.err
		}
		lr.dispatcher.Cancel(task.ID)
		if err := ctx.Err(); err != nil {
			return report.Report{}, err
		}
		return report.Report{}, fmt.Errorf("%w: %s after %s: %w", ErrTaskTimeout, task.ID, timeout, out.err)
	case <-callCtx.Done():
		lr.dispatcher.Cancel(task.ID)
		if err := ctx.Err(); err != nil {
			return report.Report{}, err
		}
		return report.Report{}, fmt.Errorf("%w: %s after %s", ErrTaskTimeout, task.ID, timeout)
	}
}

// taskFor builds the dispatched task. Upstream holds copies of the reports
// of the task's dependencies only; same-layer reports are never visible.
func (lr *layerRun) taskFor(task graph.Task, attempt int) role.Task {
	out := role.Task{
		ID:          task.ID,
		Role:        task.Role,
		Description: task.Description,
		Artifact:    task.Artifact,
		RunID:       lr.runID,
		LayerIndex:  lr.layer.Index,
		LayerName:   lr.layer.Name,
		Attempt:     attempt,
	}
	if len(task.Inputs) > 0 {
		out.Inputs = make(map[string]any, len(task.Inputs))
		for key, value := range task.Inputs {
			out.Inputs[key] = value
		}
	}
	for _, dep := range task.DependsOn {
		rep, ok := lr.upstream[dep]
		if !ok {
			continue
		}
		if out.Upstream == nil {
			out.Upstream = make(map[string]report.Report, len(task.DependsOn))
		}
		out.Upstream[dep] = rep.Clone()
	}
	return out
}

// stamp binds a report to the task that produced it. Identity comes from the
// dispatched task, never from the worker.
func stamp(rep report.Report, task graph.Task) report.Report {
	rep.TaskID = task.ID
	rep.Source = task.ID
	if strings.TrimSpace(rep.Role) == "" {
		rep.Role = task.Role
	}
	return rep.WithDefaults()
}

func retryBackoff(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
