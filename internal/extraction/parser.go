package extraction

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// ParseMode records which attempt produced a ParsedOutput.
type ParseMode string

const (
	ParseModeJSON     ParseMode = "json"
	ParseModeFenced   ParseMode = "fenced_json"
	ParseModeFallback ParseMode = "fallback"
)

// FallbackHeader starts the raw memory synthesized from unstructured output.
const FallbackHeader = "# summary\n\n"

// summaryRunes is the length of a summary derived from raw text.
const summaryRunes = 200

// ParsedOutput is the structured form of a model response.
type ParsedOutput struct {
	RawMemory      string
	RolloutSummary string
	Mode           ParseMode
}

type modelOutput struct {
	RawMemory      string `json:"raw_memory"`
	RolloutSummary string `json:"rollout_summary"`
}

// parseAttempt converts model output, reporting whether it applied.
type parseAttempt func(string) (ParsedOutput, bool)

// parseAttempts run in order; the last one always succeeds.
var parseAttempts = []parseAttempt{
	parseWholeJSON,
	parseFencedJSON,
	parseFallback,
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\r?\n(.*?)```")

// ParseModelOutput parses raw model output. Malformed output never fails:
// it degrades to the fallback wrapper.
func ParseModelOutput(raw string) ParsedOutput {
	raw = strings.TrimSpace(raw)
	for _, attempt := range parseAttempts {
		if out, ok := attempt(raw); ok {
			return out
		}
	}
	return ParsedOutput{}
}

func parseWholeJSON(raw string) (ParsedOutput, bool) {
	return decodeOutput(raw, ParseModeJSON)
}

func parseFencedJSON(raw string) (ParsedOutput, bool) {
	for _, m := range fencePattern.FindAllStringSubmatch(raw, -1) {
		if out, ok := decodeOutput(strings.TrimSpace(m[1]), ParseModeFenced); ok {
			return out, true
		}
	}
	return ParsedOutput{}, false
}

func parseFallback(raw string) (ParsedOutput, bool) {
	return ParsedOutput{
		RawMemory:      FallbackHeader + raw,
		RolloutSummary: firstRunes(raw, summaryRunes),
		Mode:           ParseModeFallback,
	}, true
}

func decodeOutput(s string, mode ParseMode) (ParsedOutput, bool) {
	if !strings.HasPrefix(s, "{") {
		return ParsedOutput{}, false
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return ParsedOutput{}, false
	}
	out.RawMemory = strings.TrimSpace(out.RawMemory)
	out.RolloutSummary = strings.TrimSpace(out.RolloutSummary)
	if out.RawMemory == "" {
		return ParsedOutput{}, false
	}
	if out.RolloutSummary == "" {
		out.RolloutSummary = firstRunes(out.RawMemory, summaryRunes)
	}
	return ParsedOutput{RawMemory: out.RawMemory, RolloutSummary: out.RolloutSummary, Mode: mode}, true
}

// Limits caps the stored fields, in runes.
type Limits struct {
	RawMemoryMaxChars      int
	RolloutSummaryMaxChars int
}

// Finalize redacts secrets from every field and then applies the caps.
func Finalize(p ParsedOutput, r Redactor, limits Limits) ParsedOutput {
	if r != nil {
		p.RawMemory = r.Redact(p.RawMemory)
		p.RolloutSummary = r.Redact(p.RolloutSummary)
	}
	p.RawMemory = capRunes(p.RawMemory, limits.RawMemoryMaxChars)
	p.RolloutSummary = capRunes(p.RolloutSummary, limits.RolloutSummaryMaxChars)
	return p
}

func firstRunes(s string, n int) string {
	return strings.TrimSpace(capRunes(s, n))
}

func capRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
