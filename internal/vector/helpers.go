package vector

// BuildWhereFilter creates a metadata filter for the given options.
// Empty fields add no condition.
func BuildWhereFilter(opts SearchOptions) map[string]string {
	where := make(map[string]string)
	if opts.Category != "" {
		where["category"] = opts.Category
	}
	if opts.SourceType != "" {
		where["source_type"] = opts.SourceType
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

// SourceIDs returns the distinct source ids of matches in rank order.
func SourceIDs(matches []Match) []string {
	seen := make(map[string]bool, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.SourceID == "" || seen[m.SourceID] {
			continue
		}
		seen[m.SourceID] = true
		ids = append(ids, m.SourceID)
	}
	return ids
}

// BestBySource keeps the highest score per source id.
func BestBySource(matches []Match) map[string]float64 {
	best := make(map[string]float64, len(matches))
	for _, m := range matches {
		if m.SourceID == "" {
			continue
		}
		if cur, ok := best[m.SourceID]; !ok || m.Score > cur {
			best[m.SourceID] = m.Score
		}
	}
	return best
}

// FilterMinScore drops matches scoring below minScore.
func FilterMinScore(matches []Match, minScore float64) []Match {
	if minScore <= 0 {
		return matches
	}
	out := matches[:0]
	for _, m := range matches {
		if m.Score >= minScore {
			out = append(out, m)
		}
	}
	return out
}
