package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kingrea/conclave/internal/report"
)

// AgreementClass describes how many independent sources reported a concern.
type AgreementClass string

const (
	AllAgree     AgreementClass = "all-agree"
	Majority     AgreementClass = "majority"
	Convergent   AgreementClass = "convergent"
	SingleSource AgreementClass = "single-source"
)

// Rank orders agreement classes; lower ranks sort first.
func (c AgreementClass) Rank() int {
	switch c {
	case AllAgree:
		return 0
	case Majority:
		return 1
	case Convergent:
		return 2
	default:
		return 3
	}
}

// Tag marks cross-cutting patterns in the unified findings.
type Tag string

const (
	// TagCompound marks a location where two or more sources raised different
	// concerns.
	TagCompound Tag = "compound"
	// TagSystemic marks a concern raised at two or more locations.
	TagSystemic Tag = "systemic"
)

// ClassifiedFinding is one unified concern at one location. Finding is the
// first contributing finding in canonical order and is never modified;
// Severity is the escalated severity for the location.
type ClassifiedFinding struct {
	Finding     report.Finding  `json:"finding"`
	Location    string          `json:"location"`
	Concern     string          `json:"concern"`
	Severity    report.Severity `json:"severity"`
	Agreement   AgreementClass  `json:"agreement_class"`
	Sources     []string        `json:"sources"`
	Occurrences int             `json:"occurrences"`
	Tags        []Tag           `json:"tags,omitempty"`
}

// OriginalSeverity returns the severity the representative finding was
// reported with.
func (f ClassifiedFinding) OriginalSeverity() report.Severity {
	return f.Finding.Severity
}

// HasTag reports whether the finding carries tag.
func (f ClassifiedFinding) HasTag(tag Tag) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ContradictionRecord surfaces two sources recommending opposite fixes at the
// same location. Contradictions are never resolved automatically.
type ContradictionRecord struct {
	Location        string          `json:"location"`
	SourceA         string          `json:"source_a"`
	SeverityA       report.Severity `json:"severity_a,omitempty"`
	RecommendationA string          `json:"recommendation_a"`
	SourceB         string          `json:"source_b"`
	SeverityB       report.Severity `json:"severity_b,omitempty"`
	RecommendationB string          `json:"recommendation_b"`
}

// Result is the merged view of a set of reports.
type Result struct {
	Artifact            string                     `json:"artifact,omitempty"`
	UnifiedFindings     []ClassifiedFinding        `json:"unified_findings"`
	Contradictions      []ContradictionRecord      `json:"contradictions"`
	BaselineScores      map[string]decimal.Decimal `json:"baseline_scores,omitempty"`
	IncompleteSynthesis bool                       `json:"incomplete_synthesis"`
	ExpectedSources     int                        `json:"expected_sources"`
	ReceivedSources     int                        `json:"received_sources"`
	MissingSources      []string                   `json:"missing_sources,omitempty"`
}

// CountAtLeast returns how many findings are at or above min: unified
// findings by escalated severity, contradicted findings by their original
// severity. A finding in several contradictions counts once.
func (r Result) CountAtLeast(min report.Severity) int {
	count := 0
	for _, f := range r.UnifiedFindings {
		if f.Severity >= min {
			count++
		}
	}
	contested := map[string]struct{}{}
	for _, c := range r.Contradictions {
		sides := [2]struct {
			source, recommendation string
			severity               report.Severity
		}{
			{c.SourceA, c.RecommendationA, c.SeverityA},
			{c.SourceB, c.RecommendationB, c.SeverityB},
		}
		for _, side := range sides {
			if side.severity < min {
				continue
			}
			key := strings.Join([]string{c.Location, side.source, side.recommendation}, "\x00")
			if _, dup := contested[key]; dup {
				continue
			}
			contested[key] = struct{}{}
			count++
		}
	}
	return count
}

// Summary renders a one-line description of the result.
func (r Result) Summary() string {
	parts := []string{
		fmt.Sprintf("%d findings", len(r.UnifiedFindings)),
		fmt.Sprintf("%d contradictions", len(r.Contradictions)),
		fmt.Sprintf("%d/%d sources", r.ReceivedSources, r.ExpectedSources),
	}
	if r.IncompleteSynthesis {
		parts = append(parts, "incomplete")
	}
	return strings.Join(parts, ", ")
}

type options struct {
	artifact      string
	expectedCount int
	expectedIDs   []string
}

// Option configures Synthesize.
type Option func(*options)

// WithArtifact labels the result with the artifact under review.
func WithArtifact(name string) Option {
	return func(o *options) {
		o.artifact = name
	}
}

// WithExpectedSources declares how many independent reports should be
// present.
func WithExpectedSources(n int) Option {
	return func(o *options) {
		if n > o.expectedCount {
			o.expectedCount = n
		}
	}
}

// WithExpectedSourceIDs names the sources that should report so missing ones
// can be listed.
func WithExpectedSourceIDs(ids ...string) Option {
	return func(o *options) {
		o.expectedIDs = uniqueSorted(append(o.expectedIDs, ids...))
		if len(o.expectedIDs) > o.expectedCount {
			o.expectedCount = len(o.expectedIDs)
		}
	}
}

// entry is one finding in canonical order.
type entry struct {
	finding  report.Finding
	source   string
	location string
	concern  string
	order    int
	excluded bool
}

// Synthesize merges independent reports into one ordered, contradiction-aware
// result. It is deterministic for any permutation of reports and never fails;
// missing reports degrade to an incomplete result.
func Synthesize(reports []report.Report, opts ...Option) Result {
	cfg := options{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ordered := canonicalOrder(reports)
	present := map[string]struct{}{}
	var entries []*entry
	for _, rep := range ordered {
		source := rep.SourceID()
		present[source] = struct{}{}
		for _, finding := range rep.Findings {
			entries = append(entries, &entry{
				finding:  finding,
				source:   source,
				location: NormalizeLocation(finding.Location),
				concern:  NormalizeConcern(finding.Description),
				order:    len(entries),
			})
		}
	}

	result := Result{
		Artifact:        cfg.artifact,
		ReceivedSources: len(present),
		ExpectedSources: cfg.expectedCount,
		BaselineScores:  baselineScores(ordered),
	}
	if result.ExpectedSources < result.ReceivedSources {
		result.ExpectedSources = result.ReceivedSources
	}
	if cfg.expectedCount > len(present) {
		result.IncompleteSynthesis = true
	}
	for _, id := range uniqueSorted(cfg.expectedIDs) {
		if _, ok := present[id]; !ok {
			result.MissingSources = append(result.MissingSources, id)
			result.IncompleteSynthesis = true
		}
	}

	byLocation := map[string][]*entry{}
	var locations []string
	for _, e := range entries {
		if _, ok := byLocation[e.location]; !ok {
			locations = append(locations, e.location)
		}
		byLocation[e.location] = append(byLocation[e.location], e)
	}

	for _, loc := range locations {
		result.Contradictions = append(result.Contradictions, detectContradictions(loc, byLocation[loc])...)
	}
	sort.Slice(result.Contradictions, func(i, j int) bool {
		a, b := result.Contradictions[i], result.Contradictions[j]
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		if a.SourceA != b.SourceA {
			return a.SourceA < b.SourceA
		}
		if a.SourceB != b.SourceB {
			return a.SourceB < b.SourceB
		}
		if a.RecommendationA != b.RecommendationA {
			return a.RecommendationA < b.RecommendationA
		}
		return a.RecommendationB < b.RecommendationB
	})

	result.UnifiedFindings = classify(locations, byLocation, result.ExpectedSources)
	return result
}

// canonicalOrder sorts reports by source so input order never matters.
func canonicalOrder(reports []report.Report) []report.Report {
	ordered := make([]report.Report, len(reports))
	for i, rep := range reports {
		ordered[i] = rep.WithDefaults()
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.SourceID() != b.SourceID() {
			return a.SourceID() < b.SourceID()
		}
		return fingerprint(a) < fingerprint(b)
	})
	return ordered
}

func fingerprint(rep report.Report) string {
	var b strings.Builder
	b.WriteString(rep.TaskID)
	b.WriteByte('|')
	b.WriteString(rep.Role)
	for _, f := range rep.Findings {
		fmt.Fprintf(&b, "|%s\x00%d\x00%s\x00%s", f.Location, f.Severity, f.Description, f.Recommendation)
	}
	return b.String()
}

// detectContradictions pairs findings from different sources at one location
// whose recommendations oppose each other and marks both as excluded.
func detectContradictions(location string, group []*entry) []ContradictionRecord {
	var records []ContradictionRecord
	seen := map[string]struct{}{}
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			a, b := group[i], group[j]
			if a.source == b.source {
				continue
			}
			if !opposed(a.finding.Recommendation, b.finding.Recommendation) {
				continue
			}
			a.excluded = true
			b.excluded = true
			if b.source < a.source {
				a, b = b, a
			}
			rec := ContradictionRecord{
				Location:        location,
				SourceA:         a.source,
				SeverityA:       a.finding.Severity,
				RecommendationA: a.finding.Recommendation,
				SourceB:         b.source,
				SeverityB:       b.finding.Severity,
				RecommendationB: b.finding.Recommendation,
			}
			key := strings.Join([]string{rec.SourceA, rec.RecommendationA, rec.SourceB, rec.RecommendationB}, "\x00")
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			records = append(records, rec)
		}
	}
	return records
}

type concernGroup struct {
	location string
	concern  string
	members  []*entry
	sources  map[string]struct{}
}

func classify(locations []string, byLocation map[string][]*entry, expected int) []ClassifiedFinding {
	var groups []*concernGroup
	locationSeverity := map[string]report.Severity{}
	locationSources := map[string]map[string]struct{}{}
	locationConcerns := map[string]map[string]struct{}{}
	concernLocations := map[string]map[string]struct{}{}

	for _, loc := range locations {
		index := map[string]*concernGroup{}
		for _, e := range byLocation[loc] {
			if e.excluded {
				continue
			}
			locationSeverity[loc] = locationSeverity[loc].Max(e.finding.Severity)
			addTo(locationSources, loc, e.source)
			addTo(locationConcerns, loc, e.concern)
			addTo(concernLocations, e.concern, loc)
			group, ok := index[e.concern]
			if !ok {
				group = &concernGroup{location: loc, concern: e.concern, sources: map[string]struct{}{}}
				index[e.concern] = group
				groups = append(groups, group)
			}
			group.members = append(group.members, e)
			group.sources[e.source] = struct{}{}
		}
	}

	unified := make([]ClassifiedFinding, 0, len(groups))
	firstOrder := make([]int, 0, len(groups))
	for _, group := range groups {
		cf := ClassifiedFinding{
			Finding:     group.members[0].finding,
			Location:    group.location,
			Concern:     group.concern,
			Severity:    locationSeverity[group.location],
			Agreement:   agreement(len(group.sources), expected),
			Sources:     sortedKeys(group.sources),
			Occurrences: len(group.members),
		}
		if len(locationSources[group.location]) >= 2 && len(locationConcerns[group.location]) >= 2 {
			cf.Tags = append(cf.Tags, TagCompound)
		}
		if len(concernLocations[group.concern]) >= 2 {
			cf.Tags = append(cf.Tags, TagSystemic)
		}
		unified = append(unified, cf)
		firstOrder = append(firstOrder, group.members[0].order)
	}

	idx := make([]int, len(unified))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := unified[idx[i]], unified[idx[j]]
		if a.Agreement.Rank() != b.Agreement.Rank() {
			return a.Agreement.Rank() < b.Agreement.Rank()
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		return firstOrder[idx[i]] < firstOrder[idx[j]]
	})
	out := make([]ClassifiedFinding, len(unified))
	for i, k := range idx {
		out[i] = unified[k]
	}
	return out
}

// agreement classifies a concern reported by n sources when total sources
// are expected to judge the artifact.
func agreement(n, total int) AgreementClass {
	if n > total {
		total = n
	}
	switch {
	case n < 2:
		return SingleSource
	case n == total:
		return AllAgree
	case n*2 > total:
		return Majority
	default:
		return Convergent
	}
}

// baselineScores averages each score dimension across the reports that
// carry it, rounded to two decimal places.
func baselineScores(reports []report.Report) map[string]decimal.Decimal {
	sums := map[string]decimal.Decimal{}
	counts := map[string]int64{}
	for _, rep := range reports {
		for dim, value := range rep.Scores {
			sums[dim] = sums[dim].Add(decimal.NewFromFloat(value))
			counts[dim]++
		}
	}
	if len(sums) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(sums))
	for dim, sum := range sums {
		out[dim] = sum.Div(decimal.NewFromInt(counts[dim])).Round(2)
	}
	return out
}

func addTo(index map[string]map[string]struct{}, key, value string) {
	if index[key] == nil {
		index[key] = map[string]struct{}{}
	}
	index[key][value] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func uniqueSorted(values []string) []string {
	set := map[string]struct{}{}
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return sortedKeys(set)
}
