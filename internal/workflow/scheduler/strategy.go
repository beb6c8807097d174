package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kingrea/conclave/internal/workflow"
	"github.com/kingrea/conclave/internal/workflow/graph"
)

// TaskRunner executes or skips individual tasks for a strategy. Run blocks
// until the task is terminal.
type TaskRunner interface {
	Run(ctx context.Context, task graph.Task) TaskResult
	Skip(task graph.Task, status TaskStatus, reason string)
}

// Strategy decides how the tasks of one layer are dispatched. Execute returns
// once every task is terminal.
type Strategy interface {
	Name() workflow.Strategy
	Execute(ctx context.Context, tasks []graph.Task, runner TaskRunner)
}

// ParallelPool dispatches every task concurrently, at most Size at a time.
type ParallelPool struct {
	Size int
}

func (ParallelPool) Name() workflow.Strategy { return workflow.StrategyParallelPool }

func (p ParallelPool) Execute(ctx context.Context, tasks []graph.Task, runner TaskRunner) {
	size := p.Size
	if size <= 0 {
		size = 1
	}
	sem := semaphore.NewWeighted(int64(size))
	var wg sync.WaitGroup
	for i, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			for _, rest := range tasks[i:] {
				runner.Skip(rest, TaskCancelled, "layer cancelled before dispatch")
			}
			break
		}
		wg.Add(1)
		go func(task graph.Task) {
			defer wg.Done()
			defer sem.Release(1)
			runner.Run(ctx, task)
		}(task)
	}
	wg.Wait()
}

// Sequential dispatches tasks one at a time in declaration order. The first
// task that does not succeed short-circuits the rest, which end Skipped.
type Sequential struct{}

func (Sequential) Name() workflow.Strategy { return workflow.StrategySequential }

func (Sequential) Execute(ctx context.Context, tasks []graph.Task, runner TaskRunner) {
	for i, task := range tasks {
		if ctx.Err() != nil {
			for _, rest := range tasks[i:] {
				runner.Skip(rest, TaskCancelled, "layer cancelled before dispatch")
			}
			return
		}
		result := runner.Run(ctx, task)
		if result.Status == TaskSucceeded {
			continue
		}
		reason := fmt.Sprintf("skipped after task %s ended %s", task.ID, result.Status)
		status := TaskSkipped
		if result.Status == TaskCancelled {
			status = TaskCancelled
			reason = "layer cancelled before dispatch"
		}
		for _, rest := range tasks[i+1:] {
			runner.Skip(rest, status, reason)
		}
		return
	}
}

// StrategyFor returns the strategy a layer declares. poolSize applies when
// the layer does not set its own.
func StrategyFor(layer graph.Layer, poolSize int) Strategy {
	if layer.Strategy == workflow.StrategySequential {
		return Sequential{}
	}
	if layer.PoolSize > 0 {
		poolSize = layer.PoolSize
	}
	return ParallelPool{Size: poolSize}
}
