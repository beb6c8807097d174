package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps records in process memory. It is used by tests and by runs
// that do not need a durable trail.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
	last    map[string]int
	now     func() time.Time
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{last: map[string]int{}, now: time.Now}
}

// Append implements Log.
func (m *MemoryLog) Append(_ context.Context, rec Record) (Record, error) {
	rec, err := prepare(rec, m.now)
	if err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	last, seen := m.last[rec.RunID]
	if err := checkOrder(last, seen, rec); err != nil {
		return Record{}, err
	}
	m.records = append(m.records, rec)
	m.last[rec.RunID] = rec.LayerIndex
	return rec.Clone(), nil
}

// Records implements Log.
func (m *MemoryLog) Records(_ context.Context, runID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if runID == "" || rec.RunID == runID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Latest implements Log.
func (m *MemoryLog) Latest(_ context.Context, runID, family string, beforeLayer int) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := latestIn(m.records, runID, family, beforeLayer)
	return rec, ok, nil
}

// Close implements Log.
func (m *MemoryLog) Close() error {
	return nil
}
