package analysis

import (
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"of": true, "by": true, "for": true, "to": true, "in": true, "on": true, "and": true,
	"or": true, "what": true, "which": true, "how": true, "does": true, "do": true, "did": true,
	"me": true, "show": true, "tell": true, "with": true, "per": true, "this": true, "that": true,
}

// Tokenize lowercases s and splits it into words, dropping stopwords.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

// TokenSet returns the tokens of s as a set.
func TokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Tokenize(s) {
		set[t] = true
	}
	return set
}

// MentionsColumn reports whether every token of a column name appears in the
// question, or the question contains the column name verbatim.
func MentionsColumn(question, column string) bool {
	if question == "" || column == "" {
		return false
	}
	if strings.Contains(strings.ToLower(question), strings.ToLower(column)) {
		return true
	}
	q := TokenSet(question)
	colTokens := Tokenize(column)
	if len(colTokens) == 0 {
		return false
	}
	for _, t := range colTokens {
		if !q[t] && !q[t+"s"] && !q[strings.TrimSuffix(t, "s")] {
			return false
		}
	}
	return true
}
