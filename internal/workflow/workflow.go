// internal/workflow/workflow.go
//
// Defines the on-disk workspace layout. All run state is stored under
// .conclave/ so it can be inspected or committed alongside the project.

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultStateDir is the workspace directory created in the project root.
const DefaultStateDir = ".conclave"

// Directory names within the workspace.
const (
	RunsDir    = "runs"
	ReportsDir = "reports"
	LogsDir    = "logs"
)

// File names for workspace artifacts.
const (
	FileRunState     = "state.json"
	FileCheckpoints  = "checkpoints.jsonl"
	FileCheckpointDB = "checkpoints.db"
	FileLog          = "conclave.log"
	FileLatestRun    = "LATEST"
)

// Workspace manages the .conclave directory structure.
type Workspace struct {
	// Base path to the .conclave directory
	stateDir string
}

// NewWorkspace creates a workspace rooted at stateDir.
func NewWorkspace(stateDir string) *Workspace {
	if strings.TrimSpace(stateDir) == "" {
		stateDir = DefaultStateDir
	}
	return &Workspace{stateDir: stateDir}
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string {
	return w.stateDir
}

// RunsDir returns the directory holding one subdirectory per run.
func (w *Workspace) RunsDir() string {
	return filepath.Join(w.stateDir, RunsDir)
}

// RunDir returns the directory for a single run.
func (w *Workspace) RunDir(runID string) string {
	return filepath.Join(w.RunsDir(), runID)
}

// RunStatePath returns the path of the persisted run state.
func (w *Workspace) RunStatePath(runID string) string {
	return filepath.Join(w.RunDir(runID), FileRunState)
}

// ReportsDir returns the report archive for a run.
func (w *Workspace) ReportsDir(runID string) string {
	return filepath.Join(w.RunDir(runID), ReportsDir)
}

// LogsDir returns the log directory.
func (w *Workspace) LogsDir() string {
	return filepath.Join(w.stateDir, LogsDir)
}

// LogPath returns the log file path.
func (w *Workspace) LogPath() string {
	return filepath.Join(w.LogsDir(), FileLog)
}

// CheckpointLogPath returns the JSONL checkpoint log path.
func (w *Workspace) CheckpointLogPath() string {
	return filepath.Join(w.stateDir, FileCheckpoints)
}

// CheckpointDBPath returns the SQLite checkpoint database path.
func (w *Workspace) CheckpointDBPath() string {
	return filepath.Join(w.stateDir, FileCheckpointDB)
}

// LatestRunPath returns the marker file naming the most recent run.
func (w *Workspace) LatestRunPath() string {
	return filepath.Join(w.RunsDir(), FileLatestRun)
}

// Initialize creates the workspace directory structure.
func (w *Workspace) Initialize() error {
	dirs := []string{
		w.Dir(),
		w.RunsDir(),
		w.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("workflow: create %s: %w", dir, err)
		}
	}

	return nil
}

// InitializeRun creates the directories used by a single run.
func (w *Workspace) InitializeRun(runID string) error {
	if err := w.Initialize(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.ReportsDir(runID), 0755); err != nil {
		return fmt.Errorf("workflow: create run %s: %w", runID, err)
	}
	return nil
}

// MarkLatest records runID as the most recent run.
func (w *Workspace) MarkLatest(runID string) error {
	if err := os.MkdirAll(w.RunsDir(), 0755); err != nil {
		return fmt.Errorf("workflow: create runs dir: %w", err)
	}
	return os.WriteFile(w.LatestRunPath(), []byte(runID+"\n"), 0644)
}

// LatestRun returns the id of the most recent run.
func (w *Workspace) LatestRun() (string, error) {
	data, err := os.ReadFile(w.LatestRunPath())
	if err != nil {
		return "", fmt.Errorf("workflow: read latest run: %w", err)
	}
	runID := strings.TrimSpace(string(data))
	if runID == "" {
		return "", fmt.Errorf("workflow: latest run marker is empty")
	}
	return runID, nil
}

// HasRun reports whether state exists for runID.
func (w *Workspace) HasRun(runID string) bool {
	return fileExistsAt(w.RunStatePath(runID))
}

func fileExistsAt(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
