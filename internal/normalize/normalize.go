// Package normalize canonicalizes user-supplied text before storage or comparison.
package normalize

import (
	"strings"
	"unicode"
)

// Email returns a normalized form of an email address suitable for
// storage and comparisons: trimmed and lower-cased.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Username trims a display handle and collapses inner whitespace.
func Username(u string) string {
	return strings.Join(strings.Fields(u), " ")
}

// Search folds text for case-insensitive substring matching: lower-cased,
// with runs of whitespace collapsed to a single space.
func Search(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), unicode.IsSpace), " ")
}

// Matches reports whether the folded query occurs in any of the fields. An
// empty query matches everything.
func Matches(query string, fields ...string) bool {
	q := Search(query)
	if q == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(Search(f), q) {
			return true
		}
	}
	return false
}
