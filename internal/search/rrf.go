// Package search fuses vector, full-text and heat signals into one ranking.
package search

import (
	"math"
	"sort"
	"strings"

	gormdb "github.com/thebtf/memforge/internal/db/gorm"
	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/pkg/models"
)

// rrfK is the Reciprocal Rank Fusion smoothing constant.
const rrfK = 60.0

// Weights scale each signal's RRF contribution.
type Weights struct {
	Vector float64
	FTS    float64
	Heat   float64
}

// DefaultWeights returns vector 0.6, FTS 0.3, heat 0.1.
func DefaultWeights() Weights {
	return Weights{Vector: 0.6, FTS: 0.3, Heat: 0.1}
}

// Contribution is one signal's RRF term for a 1-based rank.
func Contribution(weight float64, rank int) float64 {
	return weight / (rrfK + float64(rank))
}

// HeatRank converts a heat score into a synthetic rank: hotter entities get
// lower rank numbers, never below 1.
func HeatRank(heat float64) int {
	if heat < 0 {
		heat = 0
	}
	return max(1, int(math.Ceil(100/(1+heat))))
}

// heatLookup resolves a source id to an entity heat score.
type heatLookup struct {
	exact map[string]float64
	hot   []models.HotEntity
}

func newHeatLookup(hot []models.HotEntity) *heatLookup {
	h := &heatLookup{exact: make(map[string]float64, len(hot)), hot: hot}
	for _, e := range hot {
		if _, ok := h.exact[e.NormalizedValue]; !ok {
			h.exact[e.NormalizedValue] = e.HeatScore
		}
	}
	return h
}

// find matches the normalized source id exactly, then falls back to the
// hottest entity whose value contains it.
func (h *heatLookup) find(sourceID string) (float64, bool) {
	id := gormdb.NormalizeEntity(sourceID)
	if id == "" {
		return 0, false
	}
	if heat, ok := h.exact[id]; ok {
		return heat, true
	}
	for _, e := range h.hot {
		if strings.Contains(e.NormalizedValue, id) {
			return e.HeatScore, true
		}
	}
	return 0, false
}

type fused struct {
	result models.UnifiedSearchResult
	order  int
}

// Fuse merges vector matches, full-text hits and hot entities into results
// sorted by fused score. Ranks are 1-based and assigned per distinct source
// id in input order, so both lists must already be best-first. Heat only
// boosts sources found by one of the other signals.
func Fuse(matches []vector.Match, hits []models.PromptHit, hot []models.HotEntity, w Weights) []models.UnifiedSearchResult {
	bySource := make(map[string]*fused)
	var order int
	entry := func(id string) *fused {
		f, ok := bySource[id]
		if !ok {
			f = &fused{result: models.UnifiedSearchResult{SourceID: id}, order: order}
			order++
			bySource[id] = f
		}
		return f
	}

	rank := 0
	for _, m := range matches {
		if m.SourceID == "" {
			continue
		}
		f := entry(m.SourceID)
		if f.result.RankSources.VectorRank != nil {
			continue
		}
		rank++
		r, score := rank, m.Score
		f.result.RankSources.VectorRank = &r
		f.result.RankSources.VectorScore = &score
		f.result.Score += Contribution(w.Vector, r)
		f.result.Content = m.Content
		f.result.SourceType = m.SourceType
		f.result.Category = m.Category
	}

	rank = 0
	for _, hit := range hits {
		if hit.SessionID == "" {
			continue
		}
		f := entry(hit.SessionID)
		if f.result.RankSources.FTSRank != nil {
			continue
		}
		rank++
		r := rank
		f.result.RankSources.FTSRank = &r
		f.result.Score += Contribution(w.FTS, r)
		if f.result.RankSources.VectorRank == nil {
			f.result.Content = hit.Text()
			f.result.SourceType = string(models.SessionTypeCLIHistory)
			f.result.Category = string(models.SessionTypeCLIHistory)
		}
	}

	heat := newHeatLookup(hot)
	out := make([]*fused, 0, len(bySource))
	for id, f := range bySource {
		if score, ok := heat.find(id); ok {
			s := score
			f.result.RankSources.HeatScore = &s
			f.result.Score += Contribution(w.Heat, HeatRank(score))
		}
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].result.Score != out[j].result.Score {
			return out[i].result.Score > out[j].result.Score
		}
		return out[i].order < out[j].order
	})
	results := make([]models.UnifiedSearchResult, len(out))
	for i, f := range out {
		results[i] = f.result
	}
	return results
}
