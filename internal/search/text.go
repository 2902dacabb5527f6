package search

import (
	"regexp"
	"strings"
)

// wordRE matches unicode letters followed by optional digits, which keeps
// identifiers like "room2" intact while dropping punctuation.
var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

var wsRE = regexp.MustCompile(`\s+`)

// normalizeWhitespace collapses runs of whitespace (including newlines) into
// single spaces so multi-line message bodies score like single-line ones.
func normalizeWhitespace(s string) string {
	return wsRE.ReplaceAllString(s, " ")
}

// tokenize lowercases, extracts word tokens and removes stopwords, returning
// the result as a set.
func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if stop != nil {
			if _, ok := stop[w]; ok {
				continue
			}
		}
		out[w] = struct{}{}
	}
	return out
}

// overlap counts tokens present in both sets, iterating the smaller set.
func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}
