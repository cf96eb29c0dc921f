package scorer

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var lower = cases.Lower(language.English)

// Normalize folds a caption to NFKC lower case with punctuation removed and
// whitespace collapsed. Apostrophes inside words are kept.
func Normalize(caption string) string {
	folded := lower.String(norm.NFKC.String(caption))
	runes := []rune(folded)
	var b strings.Builder
	b.Grow(len(folded))
	for i, r := range runes {
		switch {
		case r == '\'' && i > 0 && i < len(runes)-1 && isWordRune(runes[i-1]) && isWordRune(runes[i+1]):
			b.WriteRune(r)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokenize splits a normalized caption into words.
func Tokenize(caption string) []string {
	return strings.Fields(Normalize(caption))
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
