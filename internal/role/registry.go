package role

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/conclave/internal/logging"
	"github.com/kingrea/conclave/internal/report"
)

// Registry maps role names to handlers and implements Dispatcher.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	flightMu sync.Mutex
	inflight map[string]map[uint64]context.CancelFunc
	cancels  map[string]uint64
	nextCall uint64

	logger *logging.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger routes dispatch logs to logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: map[string]Handler{},
		inflight: map[string]map[uint64]context.CancelFunc{},
		cancels:  map[string]uint64{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs the handler for a role. Returns an error if the role
// already exists.
func (r *Registry) Register(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("role: name is required")
	}
	if handler == nil {
		return fmt.Errorf("role: handler is required for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("role: %s already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, handler Handler) {
	if err := r.Register(name, handler); err != nil {
		panic(err)
	}
}

// HasRole reports whether a handler exists for name.
func (r *Registry) HasRole(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Roles returns the sorted registered role names.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs task on its role's handler. The returned report always names
// the task and role that produced it.
func (r *Registry) Execute(ctx context.Context, task Task) (report.Report, error) {
	r.mu.RLock()
	handler, ok := r.handlers[task.Role]
	r.mu.RUnlock()
	if !ok {
		return report.Report{}, Fatal(fmt.Errorf("%w: %s", ErrUnknownRole, task.Role))
	}

	callCtx, cancel := context.WithCancel(ctx)
	token := r.track(task.ID, cancel)
	defer func() {
		r.untrack(task.ID, token)
		cancel()
	}()

	r.logger.Debug("dispatching task", "task", task.ID, "role", task.Role, "attempt", task.Attempt)
	rep, err := handler.Handle(callCtx, task)
	if err != nil {
		if ctx.Err() == nil && r.wasCancelled(task.ID, token) {
			return report.Report{}, fmt.Errorf("%w: task %s: %w", ErrCancelled, task.ID, err)
		}
		return report.Report{}, err
	}
	rep.TaskID = task.ID
	if strings.TrimSpace(rep.Role) == "" {
		rep.Role = task.Role
	}
	rep = rep.WithDefaults()
	if err := rep.Validate(); err != nil {
		return report.Report{}, Fatal(err)
	}
	return rep, nil
}

// Cancel releases every in-flight call for taskID. Unknown or finished tasks
// are ignored.
func (r *Registry) Cancel(taskID string) {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	calls := r.inflight[taskID]
	if len(calls) == 0 {
		return
	}
	for token, cancel := range calls {
		if r.cancels[taskID] < token {
			r.cancels[taskID] = token
		}
		cancel()
	}
	r.logger.Debug("cancelled task", "task", taskID, "calls", len(calls))
}

func (r *Registry) track(taskID string, cancel context.CancelFunc) uint64 {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	r.nextCall++
	token := r.nextCall
	if r.inflight[taskID] == nil {
		r.inflight[taskID] = map[uint64]context.CancelFunc{}
	}
	r.inflight[taskID][token] = cancel
	return token
}

func (r *Registry) untrack(taskID string, token uint64) {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	delete(r.inflight[taskID], token)
	if len(r.inflight[taskID]) == 0 {
		delete(r.inflight, taskID)
		delete(r.cancels, taskID)
	}
}

func (r *Registry) wasCancelled(taskID string, token uint64) bool {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	return r.cancels[taskID] >= token
}

// Inflight returns how many calls are currently running for taskID.
func (r *Registry) Inflight(taskID string) int {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	return len(r.inflight[taskID])
}

var _ Dispatcher = (*Registry)(nil)

// IsCancelled reports whether err came from a Cancel call or a done context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
