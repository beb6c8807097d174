package synthesis

import "strings"

// opposites maps an action verb to the verbs that undo it.
var opposites = buildOpposites([][2]string{
	{"add", "remove"},
	{"add", "delete"},
	{"keep", "remove"},
	{"keep", "delete"},
	{"enable", "disable"},
	{"increase", "decrease"},
	{"raise", "lower"},
	{"split", "merge"},
	{"extract", "inline"},
	{"allow", "deny"},
	{"allow", "forbid"},
	{"use", "avoid"},
	{"include", "exclude"},
	{"expose", "hide"},
})

// lead-in words skipped before the action verb.
var fillers = map[string]struct{}{
	"please": {}, "consider": {}, "should": {}, "must": {}, "we": {}, "you": {},
	"to": {}, "just": {}, "also": {}, "instead": {},
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"to": {}, "of": {}, "for": {}, "in": {}, "on": {}, "at": {}, "it": {}, "its": {},
	"and": {}, "or": {}, "with": {}, "from": {}, "here": {}, "there": {}, "more": {},
	"less": {}, "all": {}, "any": {}, "be": {}, "is": {},
}

func buildOpposites(pairs [][2]string) map[string]map[string]struct{} {
	out := map[string]map[string]struct{}{}
	link := func(a, b string) {
		if out[a] == nil {
			out[a] = map[string]struct{}{}
		}
		out[a][b] = struct{}{}
	}
	for _, pair := range pairs {
		link(pair[0], pair[1])
		link(pair[1], pair[0])
	}
	return out
}

// action is a recommendation reduced to its verb and object tokens.
type action struct {
	verb   string
	object map[string]struct{}
}

func parseAction(recommendation string) (action, bool) {
	tokens := words(recommendation)
	i := 0
	for i < len(tokens) {
		if _, skip := fillers[tokens[i]]; !skip {
			break
		}
		i++
	}
	if i >= len(tokens) {
		return action{}, false
	}
	verb := stemVerb(tokens[i])
	if _, known := opposites[verb]; !known {
		return action{}, false
	}
	object := map[string]struct{}{}
	for _, tok := range tokens[i+1:] {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		object[tok] = struct{}{}
	}
	return action{verb: verb, object: object}, true
}

// stemVerb maps simple inflections (adds, adding, added) to the lexicon form.
func stemVerb(word string) string {
	if _, ok := opposites[word]; ok {
		return word
	}
	for _, suffix := range []string{"ing", "ed", "es", "s", "d"} {
		if !strings.HasSuffix(word, suffix) {
			continue
		}
		base := strings.TrimSuffix(word, suffix)
		if _, ok := opposites[base]; ok {
			return base
		}
		if _, ok := opposites[base+"e"]; ok {
			return base + "e"
		}
	}
	return word
}

// opposed reports whether two recommendations ask for opposite changes to an
// overlapping object. Recommendations with no object tokens overlap with
// anything at the same location.
func opposed(recA, recB string) bool {
	a, okA := parseAction(recA)
	b, okB := parseAction(recB)
	if !okA || !okB {
		return false
	}
	if _, ok := opposites[a.verb][b.verb]; !ok {
		return false
	}
	if len(a.object) == 0 || len(b.object) == 0 {
		return true
	}
	for tok := range a.object {
		if _, ok := b.object[tok]; ok {
			return true
		}
	}
	return false
}
