package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGraph matches every validation failure returned by Build.
	ErrInvalidGraph = errors.New("invalid workflow graph")
	// ErrLayerOrder matches dependencies on the same or a later layer. Cycles
	// are impossible once these are rejected.
	ErrLayerOrder = errors.New("dependency does not point to an earlier layer")
	// ErrUnknownRole matches tasks whose role has no registered capability.
	ErrUnknownRole = errors.New("role has no registered capability")
)

// GraphValidationError locates a malformed part of a workflow definition.
// Layer is -1 when the failure is not tied to a layer.
type GraphValidationError struct {
	Kind   error
	Layer  int
	Task   string
	Field  string
	Reason string
}

func (e *GraphValidationError) Error() string {
	if e == nil {
		return ""
	}
	var parts []string
	if e.Layer >= 0 {
		parts = append(parts, fmt.Sprintf("layer %d", e.Layer))
	}
	if e.Task != "" {
		parts = append(parts, fmt.Sprintf("task %s", e.Task))
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}
	where := strings.Join(parts, " ")
	if where == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidGraph, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidGraph, where, e.Reason)
}

// Unwrap exposes both ErrInvalidGraph and the specific kind to errors.Is.
func (e *GraphValidationError) Unwrap() []error {
	if e.Kind == nil || e.Kind == ErrInvalidGraph {
		return []error{ErrInvalidGraph}
	}
	return []error{ErrInvalidGraph, e.Kind}
}

func invalidf(layer int, task, field, format string, args ...any) error {
	return &GraphValidationError{
		Kind:   ErrInvalidGraph,
		Layer:  layer,
		Task:   task,
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}

func orderError(layer int, task, dep string, depLayer int) error {
	reason := fmt.Sprintf("depends on %s in layer %d", dep, depLayer)
	if depLayer == layer {
		reason = fmt.Sprintf("depends on %s in the same layer", dep)
	}
	return &GraphValidationError{
		Kind:   ErrLayerOrder,
		Layer:  layer,
		Task:   task,
		Field:  "depends_on",
		Reason: reason,
	}
}

func roleError(layer int, task, role string) error {
	return &GraphValidationError{
		Kind:   ErrUnknownRole,
		Layer:  layer,
		Task:   task,
		Field:  "role",
		Reason: fmt.Sprintf("%q is not registered", role),
	}
}
