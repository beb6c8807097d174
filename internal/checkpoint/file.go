package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLog persists records as JSON lines appended to a single file.
type FileLog struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileLog creates a log that appends to path, creating parent directories.
func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create log dir: %w", err)
	}
	return &FileLog{path: path, now: time.Now}, nil
}

// Path returns the file backing this log.
func (l *FileLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append implements Log.
func (l *FileLog) Append(_ context.Context, rec Record) (Record, error) {
	rec, err := prepare(rec, l.now)
	if err != nil {
		return Record{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readAll()
	if err != nil {
		return Record{}, err
	}
	last, seen := lastLayer(existing, rec.RunID)
	if err := checkOrder(last, seen, rec); err != nil {
		return Record{}, err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: encode record: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint: open %s: %w", l.path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("checkpoint: append record: %w", err)
	}
	return rec.Clone(), nil
}

// Records implements Log.
func (l *FileLog) Records(_ context.Context, runID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if runID == "" {
		return all, nil
	}
	var out []Record
	for _, rec := range all {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Latest implements Log.
func (l *FileLog) Latest(_ context.Context, runID, family string, beforeLayer int) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all, err := l.readAll()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := latestIn(all, runID, family, beforeLayer)
	return rec, ok, nil
}

// Tail returns up to max of the most recent records across all runs.
func (l *FileLog) Tail(max int) ([]Record, error) {
	if max <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if len(all) > max {
		all = all[len(all)-max:]
	}
	return all, nil
}

// Close implements Log.
func (l *FileLog) Close() error {
	return nil
}

func (l *FileLog) readAll() ([]Record, error) {
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", l.path, err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("checkpoint: %s line %d: %w", l.path, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", l.path, err)
	}
	return records, nil
}

func lastLayer(records []Record, runID string) (int, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].RunID == runID {
			return records[i].LayerIndex, true
		}
	}
	return 0, false
}
