package search

import (
	"strings"
	"unicode"
)

// ftsOperators are FTS5 keywords that would change the meaning of a query.
var ftsOperators = map[string]bool{
	"AND":  true,
	"OR":   true,
	"NOT":  true,
	"NEAR": true,
}

// SanitizeFTSQuery strips punctuation and operator characters from a user
// query and OR-joins the remaining terms. Duplicate terms are dropped.
// An empty result means there is nothing to search for.
func SanitizeFTSQuery(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return ' '
	}, query)

	seen := make(map[string]bool)
	var terms []string
	for _, term := range strings.Fields(cleaned) {
		if ftsOperators[term] {
			continue
		}
		key := strings.ToLower(term)
		if seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, term)
	}
	return strings.Join(terms, " OR ")
}
