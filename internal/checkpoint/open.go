package checkpoint

import (
	"context"
	"fmt"
	"strings"
)

// Backend names a Log implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Open returns the log for backend at path. The memory backend ignores path.
func Open(ctx context.Context, backend Backend, path string) (Log, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(backend)))) {
	case BackendMemory:
		return NewMemoryLog(), nil
	case BackendFile, "":
		if path == "" {
			return nil, fmt.Errorf("checkpoint: file backend requires a path")
		}
		return NewFileLog(path)
	case BackendSQLite:
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("checkpoint: unknown backend %q", backend)
	}
}
