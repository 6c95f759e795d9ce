package patterns

import (
	"sort"
	"strings"
	"unicode"

	"github.com/thebtf/memforge/pkg/similarity"
)

const (
	maxNameRunes = 50
	fallbackName = "recurring pattern"
)

// patternTokens are the lowercase words of text worth naming a pattern by.
func patternTokens(text string) []string {
	words := similarity.Words(text)
	out := words[:0]
	for _, w := range words {
		if len(w) >= 3 && !similarity.IsStopWord(w) {
			out = append(out, w)
		}
	}
	return out
}

type termCount struct {
	term  string
	count int
}

// rankByChunkFrequency counts in how many texts each term occurs and orders
// terms by that count, then alphabetically.
func rankByChunkFrequency(perText []map[string]bool, minCount int) []termCount {
	counts := make(map[string]int)
	for _, set := range perText {
		for term := range set {
			counts[term]++
		}
	}
	ranked := make([]termCount, 0, len(counts))
	for term, c := range counts {
		if c >= minCount {
			ranked = append(ranked, termCount{term, c})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].term < ranked[j].term
	})
	return ranked
}

// patternName names a group by the two most frequent bigrams shared by at
// least two texts, falling back to the three most frequent words.
func patternName(texts []string) string {
	bigrams := make([]map[string]bool, len(texts))
	words := make([]map[string]bool, len(texts))
	for i, text := range texts {
		tokens := patternTokens(text)
		bigrams[i] = make(map[string]bool)
		words[i] = make(map[string]bool)
		for j, tok := range tokens {
			words[i][tok] = true
			if j > 0 {
				bigrams[i][tokens[j-1]+" "+tok] = true
			}
		}
	}

	var parts []string
	for _, tc := range rankByChunkFrequency(bigrams, 2) {
		if len(parts) == 2 {
			break
		}
		parts = append(parts, tc.term)
	}
	if len(parts) == 0 {
		for _, tc := range rankByChunkFrequency(words, 1) {
			if len(parts) == 3 {
				break
			}
			parts = append(parts, tc.term)
		}
	}
	if len(parts) == 0 {
		return fallbackName
	}
	return capRunes(strings.Join(parts, " "), maxNameRunes)
}

func capRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}

// slugify turns a name into a file name stem.
func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "pattern"
	}
	return slug
}
