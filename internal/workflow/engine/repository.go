package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/workflow"
	"github.com/kingrea/conclave/internal/workflow/gate"
)

// ErrStateNotFound is returned when no persisted state exists for a run.
var ErrStateNotFound = errors.New("workflow engine: state not found")

// StateStore persists run snapshots and report archives.
type StateStore interface {
	Load(runID string) (State, error)
	Save(State) error
	Latest() (string, error)
	Archive(runID string, entry ArchiveEntry) error
}

// ArchiveEntry is the audit copy of one layer evaluation's reports.
type ArchiveEntry struct {
	LayerIndex int                     `json:"layer_index"`
	LayerName  string                  `json:"layer_name"`
	Attempt    int                     `json:"attempt"`
	Decision   string                  `json:"decision"`
	Reports    []report.Report         `json:"reports"`
	Syntheses  []gate.SynthesisOutcome `json:"syntheses,omitempty"`
}

// Repository stores run state within the workspace.
type Repository struct {
	workspace *workflow.Workspace
}

// NewRepository creates a repository rooted at the workspace.
func NewRepository(ws *workflow.Workspace) *Repository {
	return &Repository{workspace: ws}
}

// Load reads the persisted state of runID if present.
func (r *Repository) Load(runID string) (State, error) {
	data, err := os.ReadFile(r.workspace.RunStatePath(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, fmt.Errorf("%w: %s", ErrStateNotFound, runID)
		}
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("workflow engine: decode state %s: %w", runID, err)
	}
	return state, nil
}

// Save writes the run state via a temp file and rename, then marks the run
// as the latest.
func (r *Repository) Save(state State) error {
	if err := r.workspace.InitializeRun(state.RunID); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(r.workspace.RunStatePath(state.RunID), append(encoded, '\n')); err != nil {
		return err
	}
	return r.workspace.MarkLatest(state.RunID)
}

// Latest returns the id of the most recently saved run.
func (r *Repository) Latest() (string, error) {
	runID, err := r.workspace.LatestRun()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrStateNotFound
		}
		return "", err
	}
	return runID, nil
}

// Archive stores one layer evaluation's reports under the run's reports
// directory. Every attempt gets its own file.
func (r *Repository) Archive(runID string, entry ArchiveEntry) error {
	dir := r.workspace.ReportsDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%02d-%s-attempt-%d.json", entry.LayerIndex, entry.LayerName, entry.Attempt)
	return writeAtomic(filepath.Join(dir, name), append(encoded, '\n'))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
