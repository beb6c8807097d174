// Package synthesis merges independently produced reports about one artifact
// into a single prioritized result. Findings are grouped by normalized
// location and concern, severities escalate to the highest at a location,
// opposing recommendations are surfaced as contradictions rather than
// resolved, and the output order depends only on the report contents.
package synthesis
