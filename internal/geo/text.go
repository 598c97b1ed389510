package geo

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// streetSuffixes are dropped by NormalizeAddress so "1500 Q St" and
// "1500 Q Street" compare equal.
var streetSuffixes = map[string]bool{
	"street": true, "st": true,
	"avenue": true, "ave": true,
	"boulevard": true, "blvd": true,
	"road": true, "rd": true,
	"drive": true, "dr": true,
	"lane": true, "ln": true,
	"court": true, "ct": true,
}

// StringSimilarity returns a case-insensitive similarity in [0, 1] based on
// Levenshtein edit distance: 1 - distance/max(len(a), len(b)).
func StringSimilarity(a, b string) float64 {
	fold := cases.Fold()
	a = fold.String(strings.TrimSpace(a))
	b = fold.String(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}

	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1.0
	}

	dist := levenshtein.Distance(a, b, nil)
	sim := 1 - float64(dist)/float64(maxLen)
	if sim < 0 {
		return 0
	}
	return sim
}

// NormalizeAddress reduces an address to a comparison key: lower-cased,
// accent-folded, street suffixes removed and every non-alphanumeric
// character stripped. The result is never stored.
func NormalizeAddress(s string) string {
	s = strings.ToLower(strings.TrimSpace(foldAccents(s)))

	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var b strings.Builder
	b.Grow(len(s))
	for _, tok := range tokens {
		if streetSuffixes[tok] {
			continue
		}
		b.WriteString(tok)
	}
	return b.String()
}

// NormalizeName is the comparison key for resource names: case-folded,
// accent-folded and whitespace-collapsed.
func NormalizeName(s string) string {
	s = cases.Fold().String(foldAccents(s))
	return strings.Join(strings.Fields(s), " ")
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
