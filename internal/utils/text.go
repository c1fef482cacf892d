package utils

import (
	"strings"
	"unicode"
)

// LikePattern turns a user wildcard filter into a SQL LIKE pattern:
// '*' matches any run of characters and '?' a single character.
func LikePattern(filter string) string {
	return strings.NewReplacer("*", "%", "?", "_").Replace(filter)
}

// CohortIDNumber derives the short cohort identifier from a display name.
func CohortIDNumber(name string) string {
	runes := []rune(name)
	if len(runes) > 99 {
		runes = runes[:99]
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, strings.ToLower(string(runes)))
}

// Plural returns "s" for counts above one.
func Plural(n int) string {
	if n > 1 {
		return "s"
	}
	return ""
}
