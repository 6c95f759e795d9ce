package sessions

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/thebtf/memforge/pkg/models"
	"github.com/thebtf/memforge/pkg/similarity"
)

var (
	// Paths with a directory part, or bare file names with a known source extension.
	filePathPattern = regexp.MustCompile(
		`(?:[A-Za-z0-9_.\-]+/)+[A-Za-z0-9_\-]+\.[A-Za-z0-9]{1,8}\b` +
			`|\b[A-Za-z0-9_\-]+\.(?:go|ts|tsx|js|jsx|py|rs|java|kt|rb|php|cs|cpp|c|h|md|yaml|yml|json|toml|sql|sh|css|scss|html|proto|vue|svelte)\b`)

	// camelCase and PascalCase identifiers with at least one inner capital.
	identifierPattern = regexp.MustCompile(`\b(?:[a-z]+[A-Z][A-Za-z0-9]*|[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]*)+)\b`)
)

// techTerms are kept regardless of length.
var techTerms = map[string]bool{
	"api": true, "sql": true, "css": true, "ui": true, "ux": true, "db": true,
	"http": true, "grpc": true, "rest": true, "jwt": true, "oauth": true, "auth": true,
	"database": true, "migration": true, "migrations": true, "schema": true, "index": true,
	"query": true, "postgres": true, "sqlite": true, "mysql": true, "redis": true,
	"docker": true, "kubernetes": true, "k8s": true, "ci": true, "deploy": true,
	"graphql": true, "websocket": true, "cache": true, "queue": true, "cron": true,
	"react": true, "vue": true, "svelte": true, "html": true, "styling": true, "layout": true,
	"component": true, "typescript": true, "javascript": true, "golang": true, "python": true,
	"rust": true, "test": true, "tests": true, "lint": true, "build": true, "config": true,
	"logging": true, "metrics": true, "tracing": true, "goroutine": true, "mutex": true,
	"concurrency": true, "embedding": true, "embeddings": true, "vector": true, "llm": true,
	"prompt": true, "regex": true, "json": true, "yaml": true, "cli": true, "git": true,
}

// IsTechTerm reports whether word belongs to the fixed technical vocabulary.
func IsTechTerm(word string) bool {
	return techTerms[strings.ToLower(word)]
}

// ExtractKeywords returns up to models.MaxSessionKeywords lowercase keywords:
// file paths first, then identifiers, then technical terms, then the most
// frequent remaining words of four or more letters.
func ExtractKeywords(text string) []string {
	out := make([]string, 0, models.MaxSessionKeywords)
	seen := make(map[string]bool)
	add := func(kw string) bool {
		kw = strings.ToLower(strings.Trim(kw, "./-_"))
		if kw == "" || seen[kw] {
			return len(out) < models.MaxSessionKeywords
		}
		seen[kw] = true
		out = append(out, kw)
		return len(out) < models.MaxSessionKeywords
	}

	for _, p := range filePathPattern.FindAllString(text, -1) {
		if !add(p) {
			return out
		}
	}
	for _, id := range identifierPattern.FindAllString(text, -1) {
		if !add(id) {
			return out
		}
	}

	words := similarity.Words(text)
	for _, w := range words {
		if techTerms[w] {
			if !add(w) {
				return out
			}
		}
	}

	counts := make(map[string]int)
	first := make(map[string]int)
	for i, w := range words {
		if len(w) < 4 || similarity.IsStopWord(w) || isNumeric(w) || seen[w] {
			continue
		}
		if _, ok := first[w]; !ok {
			first[w] = i
		}
		counts[w]++
	}
	generic := make([]string, 0, len(counts))
	for w := range counts {
		generic = append(generic, w)
	}
	sort.Slice(generic, func(i, j int) bool {
		if counts[generic[i]] != counts[generic[j]] {
			return counts[generic[i]] > counts[generic[j]]
		}
		return first[generic[i]] < first[generic[j]]
	})
	for _, w := range generic {
		if !add(w) {
			break
		}
	}
	return out
}

// ExtractFilePatterns finds file paths in text and collapses paths sharing a
// directory and extension into a glob. At most models.MaxSessionFilePatterns
// patterns are returned, in order of first appearance.
func ExtractFilePatterns(text string) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, p := range filePathPattern.FindAllString(text, -1) {
		p = strings.TrimPrefix(p, "./")
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return []string{}
	}

	groups := make(map[string]int)
	for _, p := range paths {
		groups[globFor(p)]++
	}

	out := make([]string, 0, models.MaxSessionFilePatterns)
	emitted := make(map[string]bool)
	for _, p := range paths {
		candidate := p
		if g := globFor(p); groups[g] > 1 {
			candidate = g
		}
		if emitted[candidate] || coveredBy(p, out) {
			continue
		}
		emitted[candidate] = true
		out = append(out, candidate)
		if len(out) == models.MaxSessionFilePatterns {
			break
		}
	}
	return out
}

func globFor(p string) string {
	dir := path.Dir(p)
	ext := path.Ext(p)
	if dir == "." {
		return "*" + ext
	}
	return dir + "/*" + ext
}

func coveredBy(p string, patterns []string) bool {
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, p)
		if err != nil {
			log.Debug().Err(err).Str("pattern", pattern).Msg("Invalid file pattern")
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func isNumeric(w string) bool {
	for _, r := range w {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts cl100k tokens in text, falling back to a
// four-bytes-per-token estimate when the encoding is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("Tokenizer unavailable, estimating by length")
			return
		}
		codec = c
	})
	if codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}
