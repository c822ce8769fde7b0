package lexical

import (
	"strings"
	"unicode"
)

// Tokenize lowercases the text and splits it on any non-letter/non-digit
// rune. The output is deterministic for a given input, which keeps the
// stored lexical representation stable across rebuilds.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// JoinTerms renders tokens into the canonical single-space form stored in
// the chunk row's lexical column.
func JoinTerms(tokens []string) string {
	return strings.Join(tokens, " ")
}
