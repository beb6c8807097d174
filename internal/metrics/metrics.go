// Package metrics records scheduling outcomes as OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope used by New.
const MeterName = "conclave.scheduler"

const labelUnknown = "unknown"

// taskDurationBuckets are in seconds; worker calls range from instant fakes
// to multi-minute review passes.
var taskDurationBuckets = []float64{0.05, 0.25, 1, 5, 30, 120, 600}

// Recorder holds the scheduler's instruments. A nil *Recorder records nothing.
type Recorder struct {
	taskDuration   metric.Float64Histogram
	taskAttempts   metric.Int64Counter
	tasksTotal     metric.Int64Counter
	decisionsTotal metric.Int64Counter
	synthesesTotal metric.Int64Counter
	contradictions metric.Int64Counter
}

// New builds a Recorder on provider's meter.
func New(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	return NewRecorder(provider.Meter(MeterName))
}

// NewRecorder creates every instrument on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)
	if r.taskDuration, err = meter.Float64Histogram(
		"conclave_task_duration_seconds",
		metric.WithDescription("Wall time of a task across all attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(taskDurationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("metrics: task duration: %w", err)
	}
	if r.taskAttempts, err = meter.Int64Counter(
		"conclave_task_attempts_total",
		metric.WithDescription("Dispatch attempts by role and outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("metrics: task attempts: %w", err)
	}
	if r.tasksTotal, err = meter.Int64Counter(
		"conclave_tasks_total",
		metric.WithDescription("Tasks reaching a terminal status"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("metrics: tasks: %w", err)
	}
	if r.decisionsTotal, err = meter.Int64Counter(
		"conclave_layer_decisions_total",
		metric.WithDescription("Checkpoint decisions by layer"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("metrics: decisions: %w", err)
	}
	if r.synthesesTotal, err = meter.Int64Counter(
		"conclave_syntheses_total",
		metric.WithDescription("Synthesis runs by completeness"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("metrics: syntheses: %w", err)
	}
	if r.contradictions, err = meter.Int64Counter(
		"conclave_contradictions_total",
		metric.WithDescription("Contradictions surfaced by synthesis"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("metrics: contradictions: %w", err)
	}
	return &r, nil
}

// Nop returns a Recorder backed by no-op instruments.
func Nop() *Recorder {
	r, _ := New(noop.NewMeterProvider())
	return r
}

// TaskAttempt counts one dispatch attempt. outcome is "success", "error",
// "timeout" or "cancelled".
func (r *Recorder) TaskAttempt(ctx context.Context, role, outcome string) {
	if r == nil {
		return
	}
	r.taskAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", label(role)),
		attribute.String("outcome", label(outcome)),
	))
}

// TaskFinished records a task's terminal status and total duration.
func (r *Recorder) TaskFinished(ctx context.Context, role, status string, duration time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("role", label(role)),
		attribute.String("status", label(status)),
	)
	r.tasksTotal.Add(ctx, 1, attrs)
	r.taskDuration.Record(ctx, duration.Seconds(), attrs)
}

// LayerDecided counts a checkpoint decision.
func (r *Recorder) LayerDecided(ctx context.Context, layer, decision string) {
	if r == nil {
		return
	}
	r.decisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", label(layer)),
		attribute.String("decision", label(decision)),
	))
}

// Synthesized counts a synthesis run and the contradictions it surfaced.
func (r *Recorder) Synthesized(ctx context.Context, artifact string, contradictions int, incomplete bool) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("artifact", label(artifact)),
		attribute.Bool("incomplete", incomplete),
	)
	r.synthesesTotal.Add(ctx, 1, attrs)
	if contradictions > 0 {
		r.contradictions.Add(ctx, int64(contradictions), metric.WithAttributes(attribute.String("artifact", label(artifact))))
	}
}

func label(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return labelUnknown
	}
	return value
}
