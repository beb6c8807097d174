package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultWorkflowDir points to the conventional location for YAML workflow
// definitions when loading from disk.
const DefaultWorkflowDir = "workflows"

// DefaultWorkflowPatterns are the globs used by Discover when none are given.
var DefaultWorkflowPatterns = []string{"**/*.yaml", "**/*.yml"}

// ParseDefinitionYAML decodes a workflow definition from YAML/JSON bytes.
func ParseDefinitionYAML(data []byte) (WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return WorkflowDefinition{}, fmt.Errorf("workflow: definition payload is empty")
	}
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinitionReader reads workflow definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (WorkflowDefinition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a workflow definition from an explicit file path.
func LoadDefinitionFile(path string) (WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return def, nil
}

// LoadDefinitionRelative loads a definition from the workflows directory (or a
// custom baseDir if provided).
func LoadDefinitionRelative(baseDir, name string) (WorkflowDefinition, error) {
	if baseDir == "" {
		baseDir = DefaultWorkflowDir
	}
	path := filepath.Join(baseDir, name)
	return LoadDefinitionFile(path)
}

// DiscoveredDefinition pairs a parsed definition with the file it came from.
// Err is set instead of Definition when the file failed to parse.
type DiscoveredDefinition struct {
	Path       string
	Definition WorkflowDefinition
	Err        error
}

// Discover finds workflow files under root matching the given glob patterns
// and parses each one. Results are sorted by path. Parse failures are reported
// per file so one broken definition does not hide the others.
func Discover(root string, patterns ...string) ([]DiscoveredDefinition, error) {
	if root == "" {
		root = DefaultWorkflowDir
	}
	if len(patterns) == 0 {
		patterns = DefaultWorkflowPatterns
	}
	seen := map[string]struct{}{}
	var paths []string
	for _, pattern := range patterns {
		if err := validatePattern(pattern); err != nil {
			return nil, err
		}
		matches, err := doublestar.FilepathGlob(filepath.Join(root, pattern))
		if err != nil {
			return nil, fmt.Errorf("workflow: invalid glob pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			paths = append(paths, match)
		}
	}
	sort.Strings(paths)
	out := make([]DiscoveredDefinition, 0, len(paths))
	for _, path := range paths {
		def, err := LoadDefinitionFile(path)
		out = append(out, DiscoveredDefinition{Path: path, Definition: def, Err: err})
	}
	return out, nil
}

func validatePattern(pattern string) error {
	clean := filepath.Clean(pattern)
	if filepath.IsAbs(clean) {
		return fmt.Errorf("workflow: absolute patterns not allowed: %s", pattern)
	}
	if slices.Contains(strings.Split(filepath.ToSlash(clean), "/"), "..") {
		return fmt.Errorf("workflow: parent directory references not allowed: %s", pattern)
	}
	return nil
}
