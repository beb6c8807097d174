package synthesis

import (
	"strings"
	"unicode"
)

// NormalizeLocation canonicalizes a finding location so that the same place
// written two ways groups together.
func NormalizeLocation(location string) string {
	loc := strings.ToLower(strings.TrimSpace(location))
	loc = strings.ReplaceAll(loc, `\`, "/")
	for strings.HasPrefix(loc, "./") {
		loc = strings.TrimPrefix(loc, "./")
	}
	return strings.Join(strings.Fields(loc), " ")
}

// NormalizeConcern canonicalizes a finding description into the concern key
// used for agreement and systemic detection.
func NormalizeConcern(description string) string {
	concern := strings.ToLower(strings.Join(strings.Fields(description), " "))
	return strings.TrimRightFunc(concern, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// words splits text into lower-case alphanumeric tokens.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
}
