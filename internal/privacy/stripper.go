// Package privacy removes private content and secrets from text before it is stored.
package privacy

import (
	"regexp"
	"strings"
)

var (
	// <private> blocks were withheld by the user at capture time.
	privateBlock = regexp.MustCompile(`(?s)<private>.*?</private>`)
	// <memforge-context> blocks are memories injected back into a session.
	contextBlock = regexp.MustCompile(`(?s)<memforge-context>.*?</memforge-context>`)
)

// Strip drops private and injected-context blocks and trims the remainder.
// Unclosed tags are left as written.
func Strip(text string) string {
	text = privateBlock.ReplaceAllString(text, "")
	return strings.TrimSpace(contextBlock.ReplaceAllString(text, ""))
}

// Withheld reports whether text holds at least one private block and
// nothing outside private blocks.
func Withheld(text string) bool {
	if !privateBlock.MatchString(text) {
		return false
	}
	return strings.TrimSpace(privateBlock.ReplaceAllString(text, "")) == ""
}
