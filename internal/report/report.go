// Package report defines the value objects exchanged between workers and the
// engine: findings, severities, and the reports that carry them.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity ranks how urgent a finding is. Higher values are more severe.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityNote
	SeverityMinor
	SeverityMajor
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNote:     "note",
	SeverityMinor:    "minor",
	SeverityMajor:    "major",
	SeverityCritical: "critical",
}

// ParseSeverity converts a case-insensitive label into a Severity.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "critical":
		return SeverityCritical, nil
	case "major":
		return SeverityMajor, nil
	case "minor":
		return SeverityMinor, nil
	case "note", "info":
		return SeverityNote, nil
	default:
		return SeverityUnknown, fmt.Errorf("report: unknown severity %q", value)
	}
}

// String returns the lower-case label.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether s is one of the four defined severities.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other > s {
		return other
	}
	return s
}

// MarshalText implements encoding.TextMarshaler so severities serialize as labels.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("report: cannot marshal severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Finding is one reviewer observation. Findings are immutable once produced.
type Finding struct {
	Location       string   `json:"location" yaml:"location"`
	Severity       Severity `json:"severity" yaml:"severity"`
	SourceRole     string   `json:"source_role,omitempty" yaml:"source_role,omitempty"`
	Description    string   `json:"description" yaml:"description"`
	Recommendation string   `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
}

// Validate ensures the finding can be classified.
func (f Finding) Validate() error {
	if strings.TrimSpace(f.Location) == "" {
		return fmt.Errorf("report: finding location is required")
	}
	if !f.Severity.Valid() {
		return fmt.Errorf("report: finding at %s has invalid severity", f.Location)
	}
	if strings.TrimSpace(f.Description) == "" {
		return fmt.Errorf("report: finding at %s is missing a description", f.Location)
	}
	return nil
}

// Scores maps a named dimension (style, voice, quality...) to a numeric score.
type Scores map[string]float64

// Clone returns a copy of the score map.
func (s Scores) Clone() Scores {
	if len(s) == 0 {
		return nil
	}
	out := make(Scores, len(s))
	for key, value := range s {
		out[key] = value
	}
	return out
}

// Report is the output of a completed task. It is read-only after production.
type Report struct {
	TaskID   string    `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Source   string    `json:"source,omitempty" yaml:"source,omitempty"`
	Role     string    `json:"role,omitempty" yaml:"role,omitempty"`
	Findings []Finding `json:"findings,omitempty" yaml:"findings,omitempty"`
	Scores   Scores    `json:"scores,omitempty" yaml:"scores,omitempty"`
}

// SourceID identifies the independent reporter behind the report.
func (r Report) SourceID() string {
	switch {
	case strings.TrimSpace(r.Source) != "":
		return strings.TrimSpace(r.Source)
	case strings.TrimSpace(r.TaskID) != "":
		return strings.TrimSpace(r.TaskID)
	default:
		return strings.TrimSpace(r.Role)
	}
}

// Clone returns a deep copy so consumers cannot mutate the producer's data.
func (r Report) Clone() Report {
	clone := Report{
		TaskID: r.TaskID,
		Source: r.Source,
		Role:   r.Role,
		Scores: r.Scores.Clone(),
	}
	if len(r.Findings) > 0 {
		clone.Findings = make([]Finding, len(r.Findings))
		copy(clone.Findings, r.Findings)
	}
	return clone
}

// Validate checks every finding in the report.
func (r Report) Validate() error {
	for idx, finding := range r.Findings {
		if err := finding.Validate(); err != nil {
			return fmt.Errorf("report %s finding[%d]: %w", r.SourceID(), idx, err)
		}
	}
	return nil
}

// CountAtLeast returns how many findings are at or above the given severity.
func (r Report) CountAtLeast(min Severity) int {
	count := 0
	for _, finding := range r.Findings {
		if finding.Severity >= min {
			count++
		}
	}
	return count
}

// Decode parses a JSON report and fills in the source role of findings that
// omit it.
func Decode(data []byte) (Report, error) {
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return Report{}, fmt.Errorf("report: decode: %w", err)
	}
	rep = rep.WithDefaults()
	if err := rep.Validate(); err != nil {
		return Report{}, err
	}
	return rep, nil
}

// WithDefaults returns a copy whose findings carry the report role when they
// do not name their own.
func (r Report) WithDefaults() Report {
	clone := r.Clone()
	for i := range clone.Findings {
		if strings.TrimSpace(clone.Findings[i].SourceRole) == "" {
			clone.Findings[i].SourceRole = clone.Role
		}
	}
	return clone
}
