package clustering

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thebtf/memforge/pkg/models"
	"github.com/thebtf/memforge/pkg/similarity"
)

// actionVerbs are the verbs recognised in session titles, in priority order.
var actionVerbs = []string{
	"Fix", "Add", "Implement", "Refactor", "Update", "Debug", "Test", "Migrate",
	"Optimize", "Remove", "Configure", "Document", "Build", "Deploy", "Review", "Investigate",
}

const fallbackTopic = "related sessions"

// clusterName derives a name, intent and description for a group of sessions.
func clusterName(sessions []models.SessionMetadata) (name, intent, description string) {
	topic := strings.Join(topKeywords(sessions, 2), " ")
	if topic == "" {
		topic = fallbackTopic
	}

	verb, count := commonVerb(sessions)
	if verb != "" && count*2 >= len(sessions) {
		name = verb + " " + topic
		intent = strings.ToLower(verb)
	} else {
		name = "Work on " + topic
		intent = "work"
	}
	description = fmt.Sprintf("%d sessions about %s", len(sessions), topic)
	return name, intent, description
}

// topKeywords returns the n most shared keywords, preferring keywords held by
// at least two sessions. Ties break alphabetically.
func topKeywords(sessions []models.SessionMetadata, n int) []string {
	counts := make(map[string]int)
	for _, s := range sessions {
		for kw := range similarity.SetOf(s.Keywords) {
			counts[kw]++
		}
	}

	type kwCount struct {
		word  string
		count int
	}
	ranked := make([]kwCount, 0, len(counts))
	shared := 0
	for w, c := range counts {
		ranked = append(ranked, kwCount{w, c})
		if c >= 2 {
			shared++
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	if shared > 0 {
		ranked = ranked[:shared]
	}

	out := make([]string, 0, n)
	for _, r := range ranked {
		if len(out) == n {
			break
		}
		out = append(out, r.word)
	}
	return out
}

// commonVerb returns the action verb used by the most titles and how many
// titles use it.
func commonVerb(sessions []models.SessionMetadata) (string, int) {
	best, bestCount := "", 0
	for _, verb := range actionVerbs {
		count := 0
		for _, s := range sessions {
			if titleHasVerb(s.Title, verb) {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = verb, count
		}
	}
	return best, bestCount
}

func titleHasVerb(title, verb string) bool {
	v := strings.ToLower(verb)
	for _, w := range similarity.Words(title) {
		if w == v || w == v+"s" || w == v+"es" || w == v+"ed" || w == v+"d" || w == v+"ing" {
			return true
		}
	}
	return false
}
