package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Decision is the outcome of evaluating a layer.
type Decision string

const (
	DecisionProceed   Decision = "PROCEED"
	DecisionHold      Decision = "HOLD"
	DecisionRerun     Decision = "RERUN"
	DecisionCancelled Decision = "CANCELLED"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionProceed, DecisionHold, DecisionRerun, DecisionCancelled:
		return true
	default:
		return false
	}
}

// ErrOutOfOrder is returned when a record would break the per-run layer
// ordering of the log.
var ErrOutOfOrder = errors.New("checkpoint: record out of layer order")

// Record is one append-only log entry describing a layer evaluation.
type Record struct {
	ID               string                     `json:"id"`
	RunID            string                     `json:"run_id"`
	LayerIndex       int                        `json:"layer_index"`
	LayerName        string                     `json:"layer_name,omitempty"`
	Attempt          int                        `json:"attempt"`
	Timestamp        time.Time                  `json:"timestamp"`
	Family           string                     `json:"family,omitempty"`
	Metrics          map[string]decimal.Decimal `json:"metrics,omitempty"`
	Composite        *decimal.Decimal           `json:"composite,omitempty"`
	PriorID          string                     `json:"prior_id,omitempty"`
	Delta            *decimal.Decimal           `json:"delta,omitempty"`
	Decision         Decision                   `json:"decision"`
	Rationale        string                     `json:"rationale"`
	FailedConditions []string                   `json:"failed_conditions,omitempty"`
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	clone := r
	if len(r.Metrics) > 0 {
		clone.Metrics = make(map[string]decimal.Decimal, len(r.Metrics))
		for key, value := range r.Metrics {
			clone.Metrics[key] = value
		}
	}
	if r.Composite != nil {
		composite := *r.Composite
		clone.Composite = &composite
	}
	if r.Delta != nil {
		delta := *r.Delta
		clone.Delta = &delta
	}
	if len(r.FailedConditions) > 0 {
		clone.FailedConditions = append([]string(nil), r.FailedConditions...)
	}
	return clone
}

// Validate ensures the record can be appended.
func (r Record) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("checkpoint: run id is required")
	}
	if r.LayerIndex < 0 {
		return fmt.Errorf("checkpoint: layer index must be >= 0")
	}
	if !r.Decision.Valid() {
		return fmt.Errorf("checkpoint: invalid decision %q", r.Decision)
	}
	if strings.TrimSpace(r.Rationale) == "" {
		return fmt.Errorf("checkpoint: rationale is required")
	}
	return nil
}

// prepare fills the id and timestamp and validates the record.
func prepare(r Record, now func() time.Time) (Record, error) {
	r = r.Clone()
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now().UTC()
	}
	if r.Attempt <= 0 {
		r.Attempt = 1
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Log is an append-only sequence of checkpoint records.
type Log interface {
	// Append adds a record. Records for one run must not go back to an
	// earlier layer.
	Append(ctx context.Context, rec Record) (Record, error)
	// Records returns the records of runID in append order. An empty runID
	// returns every record.
	Records(ctx context.Context, runID string) ([]Record, error)
	// Latest returns the most recently appended record of family in runID
	// whose layer index is below beforeLayer.
	Latest(ctx context.Context, runID, family string, beforeLayer int) (Record, bool, error)
	Close() error
}

// latestIn scans records in append order.
func latestIn(records []Record, runID, family string, beforeLayer int) (Record, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.RunID == runID && rec.Family == family && rec.LayerIndex < beforeLayer {
			return rec.Clone(), true
		}
	}
	return Record{}, false
}

func checkOrder(lastLayer int, seen bool, rec Record) error {
	if seen && rec.LayerIndex < lastLayer {
		return fmt.Errorf("%w: run %s layer %d after layer %d", ErrOutOfOrder, rec.RunID, rec.LayerIndex, lastLayer)
	}
	return nil
}
