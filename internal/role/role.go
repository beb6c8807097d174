package role

import (
	"context"
	"errors"

	"github.com/kingrea/conclave/internal/report"
)

var (
	// ErrFatal marks an error that retrying cannot fix.
	ErrFatal = errors.New("role: fatal")
	// ErrUnknownRole is returned when no handler is registered for a role.
	ErrUnknownRole = errors.New("role: unknown role")
	// ErrCancelled is returned when a call was released through Cancel.
	ErrCancelled = errors.New("role: cancelled")
)

// Task is the unit of work handed to a worker. Upstream holds read-only
// copies of the reports of the tasks it depends on, keyed by task id.
type Task struct {
	ID          string                   `json:"task_id"`
	Role        string                   `json:"role"`
	Description string                   `json:"description,omitempty"`
	Artifact    string                   `json:"artifact,omitempty"`
	RunID       string                   `json:"run_id,omitempty"`
	LayerIndex  int                      `json:"layer_index"`
	LayerName   string                   `json:"layer_name,omitempty"`
	Attempt     int                      `json:"attempt"`
	Inputs      map[string]any           `json:"inputs,omitempty"`
	Upstream    map[string]report.Report `json:"upstream,omitempty"`
}

// Dispatcher executes tasks on behalf of the scheduler. Cancel must be
// idempotent and safe to call for tasks that already finished.
type Dispatcher interface {
	Execute(ctx context.Context, task Task) (report.Report, error)
	Cancel(taskID string)
}

// Handler performs the work for one role.
type Handler interface {
	Handle(ctx context.Context, task Task) (report.Report, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) (report.Report, error)

func (f HandlerFunc) Handle(ctx context.Context, task Task) (report.Report, error) {
	return f(ctx, task)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() []error {
	return []error{ErrFatal, e.err}
}

// Fatal marks err as not worth retrying. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFatal) {
		return err
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
