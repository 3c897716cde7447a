package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining marks after NFD decomposition, so "Café" and
// "Cafe" normalize identically. The transformer values are stateless and safe
// to share.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases and diacritic-strips a query or target string.
func Normalize(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// splitWords breaks a normalized string on whitespace and punctuation.
func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// matches tests an already-normalized target against the normalized query.
//
// Single-word query: some word of the target — or some concatenation of
// consecutive target words, so "newyork" still finds "New York" — must start
// with the query.
//
// Multi-word query: every query word must appear somewhere in the target.
// Both sides are normalized, so a plain substring test subsumes word-prefix
// and diacritic-normalized matching.
func matches(queryNorm string, queryWords []string, targetNorm string) bool {
	if len(queryWords) <= 1 {
		return wordPrefixMatch(targetNorm, queryNorm)
	}
	for _, qw := range queryWords {
		if !strings.Contains(targetNorm, qw) {
			return false
		}
	}
	return true
}

func wordPrefixMatch(target, q string) bool {
	if q == "" {
		return false
	}
	words := splitWords(target)
	for i := range words {
		if strings.HasPrefix(words[i], q) {
			return true
		}
		// Concatenate consecutive words until the query length is covered.
		concat := words[i]
		for j := i + 1; j < len(words) && len(concat) < len(q); j++ {
			concat += words[j]
		}
		if len(concat) > len(words[i]) && strings.HasPrefix(concat, q) {
			return true
		}
	}
	return false
}
