package scheduler

import (
	"sync"

	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/workflow/graph"
)

// statusTable is the only state tasks of a layer mutate concurrently.
type statusTable struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*TaskResult
}

func newStatusTable(tasks []graph.Task) *statusTable {
	t := &statusTable{entries: make(map[string]*TaskResult, len(tasks))}
	for _, task := range tasks {
		t.order = append(t.order, task.ID)
		t.entries[task.ID] = &TaskResult{TaskID: task.ID, Role: task.Role, Status: TaskQueued}
	}
	return t
}

func (t *statusTable) dispatched(taskID string, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[taskID]; ok {
		entry.Status = TaskDispatched
		entry.Attempts = attempt
	}
}

func (t *statusTable) finish(result TaskResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[result.TaskID]; ok && !entry.Status.Terminal() {
		*entry = result
	}
}

// snapshot returns the results in declaration order.
func (t *statusTable) snapshot() []TaskResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TaskResult, 0, len(t.order))
	for _, id := range t.order {
		entry := *t.entries[id]
		if entry.Report != nil {
			rep := entry.Report.Clone()
			entry.Report = &rep
		}
		out = append(out, entry)
	}
	return out
}

func reportsOf(results []TaskResult) []report.Report {
	var out []report.Report
	for _, result := range results {
		if result.Status == TaskSucceeded && result.Report != nil {
			out = append(out, result.Report.Clone())
		}
	}
	return out
}
