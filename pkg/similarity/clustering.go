// Package similarity provides text similarity and vector utilities.
package similarity

import (
	"strings"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"for": true, "from": true, "with": true, "about": true, "into": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"it": true, "its": true, "which": true, "who": true, "what": true,
	"when": true, "where": true, "how": true, "why": true,
	"there": true, "their": true, "them": true, "they": true, "also": true,
	"some": true, "more": true, "most": true, "other": true, "such": true,
	"only": true, "same": true, "than": true, "very": true, "just": true,
	"over": true, "after": true, "before": true, "while": true, "because": true,
	"each": true, "both": true, "through": true, "between": true, "session": true,
}

// IsStopWord reports whether word (lowercase) carries no topical signal.
func IsStopWord(word string) bool {
	return stopWords[word]
}

// Words splits text into lowercase alphanumeric tokens.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})
}

// Terms tokenizes text into a set of meaningful terms of at least minLen characters.
func Terms(text string, minLen int) map[string]bool {
	terms := make(map[string]bool)
	addTerms(terms, text, minLen)
	return terms
}

// addTerms tokenizes text and adds meaningful terms to the set.
func addTerms(terms map[string]bool, text string, minLen int) {
	for _, word := range Words(text) {
		if len(word) >= minLen && !stopWords[word] {
			terms[word] = true
		}
	}
}

// SetOf converts a slice into a set, lowercasing each element.
func SetOf(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		set[strings.ToLower(item)] = true
	}
	return set
}

// JaccardSimilarity calculates the Jaccard similarity between two term sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func JaccardSimilarity(set1, set2 map[string]bool) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}

// JaccardStrings is JaccardSimilarity over string slices, except that an empty
// side yields 0: absence of evidence is not similarity.
func JaccardStrings(a, b []string) float64 {
	setA, setB := SetOf(a), SetOf(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}
	return JaccardSimilarity(setA, setB)
}

// OverlapRatio returns |a ∩ b| / min(|a|, |b|), or 0 when either set is empty.
func OverlapRatio(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for k := range small {
		if large[k] {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}
