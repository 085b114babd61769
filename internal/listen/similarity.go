package listen

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Normalize lowercases s and collapses whitespace runs to single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Similarity returns the normalized edit-distance similarity of a and b in
// [0, 1]: (maxLen - levenshtein) / maxLen over the normalized strings,
// counted in runes. Strings that are equal after normalization score 1.0.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	maxLen := max(utf8.RuneCountInString(na), utf8.RuneCountInString(nb))
	if maxLen == 0 {
		return 1.0
	}
	if na == nb {
		return 1.0
	}
	d := matchr.Levenshtein(na, nb)
	return float64(maxLen-d) / float64(maxLen)
}

// normalizeNoise folds s for noise-list lookups: normalized, with
// surrounding punctuation and symbols removed.
func normalizeNoise(s string) string {
	n := Normalize(s)
	return strings.TrimFunc(n, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
}

func runeLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}
