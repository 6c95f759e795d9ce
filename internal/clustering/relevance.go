package clustering

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/pkg/models"
	"github.com/thebtf/memforge/pkg/similarity"
)

// Signal weights. They sum to 1.
const (
	weightFile     = 0.20
	weightTemporal = 0.15
	weightKeyword  = 0.15
	weightVector   = 0.30
	weightIntent   = 0.20
)

// neighborTopK bounds the ANN query made per session during Preload.
const neighborTopK = 50

// Signals breaks a relevance score into its components.
type Signals struct {
	File     float64 `json:"file"`
	Temporal float64 `json:"temporal"`
	Keyword  float64 `json:"keyword"`
	Vector   float64 `json:"vector"`
	Intent   float64 `json:"intent"`
}

// Score combines the signals.
func (s Signals) Score() float64 {
	return weightFile*s.File +
		weightTemporal*s.Temporal +
		weightKeyword*s.Keyword +
		weightVector*s.Vector +
		weightIntent*s.Intent
}

// temporalProximity buckets the distance between two creation times.
func temporalProximity(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return 0.1
	}
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta <= 24*time.Hour:
		return 1.0
	case delta <= 7*24*time.Hour:
		return 0.7
	case delta <= 30*24*time.Hour:
		return 0.4
	default:
		return 0.1
	}
}

// intentWords returns the words longer than three letters of title and summary.
func intentWords(m models.SessionMetadata) map[string]bool {
	set := make(map[string]bool)
	for _, w := range similarity.Words(m.Title + " " + m.Summary) {
		if len(w) > 3 {
			set[w] = true
		}
	}
	return set
}

func intentAlignment(a, b models.SessionMetadata) float64 {
	wa, wb := intentWords(a), intentWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	return similarity.JaccardSimilarity(wa, wb)
}

// NeighborCache holds ANN neighbour scores and pooled embeddings for the
// sessions of one clustering run. It is filled by Service.Preload only.
type NeighborCache struct {
	scores map[string]map[string]float64
	pooled map[string][]float32
}

func newNeighborCache() *NeighborCache {
	return &NeighborCache{
		scores: make(map[string]map[string]float64),
		pooled: make(map[string][]float32),
	}
}

// Lookup returns the cached neighbour score of a pair, checking both directions.
func (c *NeighborCache) Lookup(a, b string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	ab, okAB := c.scores[a][b]
	ba, okBA := c.scores[b][a]
	switch {
	case okAB && okBA:
		return max(ab, ba), true
	case okAB:
		return ab, true
	case okBA:
		return ba, true
	}
	return 0, false
}

// Len returns the number of preloaded sessions.
func (c *NeighborCache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.pooled)
}

// Preload computes the mean-pooled embedding of each session and queries the
// index once per session, keeping the best score per neighbouring session.
// Sessions without embeddings are skipped.
func (s *Service) Preload(ctx context.Context, sessionIDs []string) (*NeighborCache, error) {
	cache := newNeighborCache()
	for _, id := range sessionIDs {
		if err := ctx.Err(); err != nil {
			return cache, err
		}
		pooled, err := s.pooledEmbedding(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Skipping session embedding")
			continue
		}
		if pooled == nil {
			continue
		}
		cache.pooled[id] = pooled

		if s.neighbors == nil {
			continue
		}
		matches, err := s.neighbors.SearchByVector(ctx, pooled, vector.SearchOptions{TopK: neighborTopK})
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Neighbor query failed")
			continue
		}
		scores := make(map[string]float64)
		for source, score := range vector.BestBySource(matches) {
			if source != id {
				scores[source] = score
			}
		}
		cache.scores[id] = scores
	}
	log.Debug().Int("sessions", len(sessionIDs)).Int("embedded", cache.Len()).Msg("Preloaded neighbor cache")
	return cache, nil
}

func (s *Service) pooledEmbedding(ctx context.Context, sessionID string) ([]float32, error) {
	if s.chunks == nil {
		return nil, nil
	}
	chunks, err := s.chunks.GetChunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	vecs := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		vecs = append(vecs, c.Embedding)
	}
	return similarity.MeanPool(vecs)
}

// vectorSimilarity prefers the neighbour cache and falls back to the cosine of
// pooled chunk embeddings. Sessions without embeddings score 0.
func (s *Service) vectorSimilarity(ctx context.Context, cache *NeighborCache, a, b string) float64 {
	if score, ok := cache.Lookup(a, b); ok {
		return clamp01(score)
	}

	va, vb := s.pooledFor(ctx, cache, a), s.pooledFor(ctx, cache, b)
	if va == nil || vb == nil {
		return 0
	}
	cos, err := similarity.Cosine(va, vb)
	if errors.Is(err, similarity.ErrDimensionMismatch) {
		log.Warn().Err(err).Str("a", a).Str("b", b).Msg("Embedding dimensions differ, ignoring vector signal")
		return 0
	}
	if err != nil {
		return 0
	}
	return clamp01(cos)
}

func (s *Service) pooledFor(ctx context.Context, cache *NeighborCache, id string) []float32 {
	if cache != nil {
		if v, ok := cache.pooled[id]; ok {
			return v
		}
	}
	v, err := s.pooledEmbedding(ctx, id)
	if err != nil {
		log.Debug().Err(err).Str("session_id", id).Msg("Failed to load chunk embeddings")
		return nil
	}
	return v
}

// Signals computes every relevance signal between two sessions.
func (s *Service) Signals(ctx context.Context, cache *NeighborCache, a, b models.SessionMetadata) Signals {
	return Signals{
		File:     similarity.JaccardStrings(a.FilePatterns, b.FilePatterns),
		Temporal: temporalProximity(a.CreatedAt, b.CreatedAt),
		Keyword:  similarity.JaccardStrings(a.Keywords, b.Keywords),
		Vector:   s.vectorSimilarity(ctx, cache, a.SessionID, b.SessionID),
		Intent:   intentAlignment(a, b),
	}
}

// Relevance is the weighted relevance of two sessions within a run.
func (s *Service) Relevance(ctx context.Context, cache *NeighborCache, a, b models.SessionMetadata) float64 {
	return s.Signals(ctx, cache, a, b).Score()
}

// CalculateRelevance scores two sessions without a preloaded cache.
func (s *Service) CalculateRelevance(ctx context.Context, a, b models.SessionMetadata) float64 {
	return s.Relevance(ctx, nil, a, b)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
