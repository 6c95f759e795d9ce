package privacy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// rule is a fallback pattern for secrets that may appear outside the
// key=value shapes gitleaks keys on, such as bare tokens in shell output.
type rule struct {
	id      string
	pattern *regexp.Regexp
}

var fallbackRules = []rule{
	{"aws-access-key-id", regexp.MustCompile(`\b(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}\b`)},
	{"github-token", regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b`)},
	{"github-fine-grained", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}`)},
	{"gitlab-token", regexp.MustCompile(`\bglpat-[A-Za-z0-9\-]{20,}`)},
	{"openai-key", regexp.MustCompile(`\bsk-(?:proj-|ant-)?[A-Za-z0-9_\-]{20,}`)},
	{"slack-token", regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9\-]{10,}`)},
	{"bearer-token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}=*`)},
	{"private-key", regexp.MustCompile(`(?s)-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----.*?-----END (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`)},
	{"connection-string-password", regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s/]+:([^@\s]+)@`)},
	{"generic-secret", regexp.MustCompile(`(?i)(?:password|passwd|secret|api[_-]?key|access[_-]?token)\s*[:=]\s*['"]?([^\s'"]{8,})['"]?`)},
}

// Redactor replaces secrets in text with [REDACTED:<rule>] markers.
// It combines the gitleaks default rule set with a small set of fallback
// patterns. Safe for concurrent use.
type Redactor struct {
	detector *detect.Detector
	mu       sync.Mutex
}

// NewRedactor creates a redactor backed by the gitleaks default config.
func NewRedactor() (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks config: %w", err)
	}
	return &Redactor{detector: detector}, nil
}

// Redact returns text with every detected secret replaced.
func (r *Redactor) Redact(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	secrets := make(map[string]string)
	if r != nil && r.detector != nil {
		r.mu.Lock()
		findings := r.detector.DetectString(text)
		r.mu.Unlock()
		for _, f := range findings {
			if f.Secret != "" {
				secrets[f.Secret] = f.RuleID
			}
		}
	}

	text = replaceSecrets(text, secrets)

	for _, rl := range fallbackRules {
		text = rl.pattern.ReplaceAllStringFunc(text, func(match string) string {
			sub := rl.pattern.FindStringSubmatch(match)
			marker := redactionMarker(rl.id)
			if len(sub) > 1 && sub[1] != "" {
				// Keep the key name, hide only the captured value.
				return strings.Replace(match, sub[1], marker, 1)
			}
			return marker
		})
	}
	return text
}

// replaceSecrets substitutes longer secrets first so overlapping findings
// do not leave fragments behind.
func replaceSecrets(text string, secrets map[string]string) string {
	if len(secrets) == 0 {
		return text
	}
	keys := make([]string, 0, len(secrets))
	for s := range secrets {
		keys = append(keys, s)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, s := range keys {
		if strings.Contains(text, s) {
			log.Debug().Str("rule", secrets[s]).Msg("Redacted secret")
			text = strings.ReplaceAll(text, s, redactionMarker(secrets[s]))
		}
	}
	return text
}

func redactionMarker(ruleID string) string {
	return "[REDACTED:" + ruleID + "]"
}
