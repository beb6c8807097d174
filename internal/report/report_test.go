package report

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverityAcceptsLabels(t *testing.T) {
	cases := map[string]Severity{
		"critical": SeverityCritical,
		" Major ":  SeverityMajor,
		"MINOR":    SeverityMinor,
		"note":     SeverityNote,
		"info":     SeverityNote,
	}
	for input, want := range cases {
		got, err := ParseSeverity(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParseSeverity("blocker")
	require.Error(t, err)
}

func TestSeverityOrderingAndMax(t *testing.T) {
	assert.True(t, SeverityCritical > SeverityMajor)
	assert.True(t, SeverityMajor > SeverityMinor)
	assert.True(t, SeverityMinor > SeverityNote)
	assert.Equal(t, SeverityMajor, SeverityMinor.Max(SeverityMajor))
	assert.Equal(t, SeverityCritical, SeverityCritical.Max(SeverityNote))
}

func TestDecodeFillsSourceRole(t *testing.T) {
	payload := []byte(`{
		"task_id": "sec-1",
		"role": "security-review",
		"findings": [
			{"location": "file:42", "severity": "major", "description": "unchecked input"},
			{"location": "file:7", "severity": "note", "description": "naming", "source_role": "style-review"}
		],
		"scores": {"quality": 7.5}
	}`)
	rep, err := Decode(payload)
	require.NoError(t, err)
	require.Len(t, rep.Findings, 2)
	assert.Equal(t, "security-review", rep.Findings[0].SourceRole)
	assert.Equal(t, "style-review", rep.Findings[1].SourceRole)
	assert.Equal(t, SeverityMajor, rep.Findings[0].Severity)
	assert.Equal(t, 7.5, rep.Scores["quality"])
	assert.Equal(t, "sec-1", rep.SourceID())
}

func TestDecodeRejectsInvalidFinding(t *testing.T) {
	_, err := Decode([]byte(`{"findings":[{"location":"","severity":"major","description":"x"}]}`))
	require.Error(t, err)
	_, err = Decode([]byte(`{"findings":[{"location":"a","severity":"urgent","description":"x"}]}`))
	require.Error(t, err)
}

func TestSeverityMarshalsAsLabel(t *testing.T) {
	data, err := json.Marshal(Finding{Location: "a", Severity: SeverityCritical, Description: "d"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"critical"`)
}

func TestCloneIsIndependent(t *testing.T) {
	original := Report{
		TaskID:   "t",
		Findings: []Finding{{Location: "a", Severity: SeverityMinor, Description: "d"}},
		Scores:   Scores{"style": 5},
	}
	clone := original.Clone()
	clone.Findings[0].Description = "changed"
	clone.Scores["style"] = 9
	assert.Equal(t, "d", original.Findings[0].Description)
	assert.Equal(t, 5.0, original.Scores["style"])
}

func TestSourceIDFallbacks(t *testing.T) {
	assert.Equal(t, "src", Report{Source: "src", TaskID: "t", Role: "r"}.SourceID())
	assert.Equal(t, "t", Report{TaskID: "t", Role: "r"}.SourceID())
	assert.Equal(t, "r", Report{Role: "r"}.SourceID())
}

func TestCountAtLeast(t *testing.T) {
	rep := Report{Findings: []Finding{
		{Location: "a", Severity: SeverityCritical, Description: "x"},
		{Location: "b", Severity: SeverityMajor, Description: "y"},
		{Location: "c", Severity: SeverityNote, Description: "z"},
	}}
	assert.Equal(t, 1, rep.CountAtLeast(SeverityCritical))
	assert.Equal(t, 2, rep.CountAtLeast(SeverityMajor))
}
