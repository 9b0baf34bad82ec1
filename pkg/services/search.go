package services

import (
	"strings"
	"unicode"
)

// maxSearchTerms bounds the tsquery size for long composed queries.
const maxSearchTerms = 16

// orTSQuery turns free text into a to_tsquery expression matching ANY term
// ("billing | export | stalled"). plainto_tsquery ANDs every word, which
// returns nothing for the long composed queries enrichment sends; ranking
// by ts_rank keeps the best-overlapping rows first instead. Returns "" when
// no usable term remains, which callers must treat as no results —
// to_tsquery rejects an empty expression.
func orTSQuery(query string) string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
		if len(terms) == maxSearchTerms {
			break
		}
	}
	return strings.Join(terms, " | ")
}
