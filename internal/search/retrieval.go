package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/memforge/internal/config"
	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/pkg/models"
)

// ErrMemoryNotFound is returned by Recommend for an unknown memory id.
var ErrMemoryNotFound = errors.New("memory not found")

// VectorSearcher is the ANN index.
type VectorSearcher interface {
	Search(ctx context.Context, text string, opts vector.SearchOptions) ([]vector.Match, error)
}

// FullTextSearcher runs sanitized full-text queries.
type FullTextSearcher interface {
	SearchPrompts(ctx context.Context, query string, limit int) ([]models.PromptHit, error)
}

// HeatSource lists the hottest entities.
type HeatSource interface {
	GetHotEntities(ctx context.Context, limit int) ([]models.HotEntity, error)
}

// MemoryGetter looks up durable memories.
type MemoryGetter interface {
	Get(ctx context.Context, id string) (*models.Memory, error)
}

// Stage1Getter looks up extracted session memories.
type Stage1Getter interface {
	Get(ctx context.Context, threadID string) (*models.Stage1Output, error)
}

// Deps are the stores the service reads. Any may be nil; a missing signal
// contributes nothing.
type Deps struct {
	Vectors  VectorSearcher
	FullText FullTextSearcher
	Heat     HeatSource
	Memories MemoryGetter
	Stage1   Stage1Getter
}

// Options are the service defaults.
type Options struct {
	Weights   Weights
	TopK      int
	MinScore  float64
	Limit     int
	HeatLimit int
}

// DefaultOptions returns the options matching config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig maps configuration onto retrieval options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Weights: Weights{
			Vector: cfg.VectorWeight,
			FTS:    cfg.FTSWeight,
			Heat:   cfg.HeatWeight,
		},
		TopK:      cfg.SearchTopK,
		MinScore:  cfg.SearchMinScore,
		Limit:     10,
		HeatLimit: 100,
	}
}

// SearchOptions scopes one query. Zero values take the service defaults.
type SearchOptions struct {
	Category string
	Limit    int
	TopK     int
	MinScore float64
}

// Service answers ad-hoc queries and recommendations. It never writes.
type Service struct {
	deps    Deps
	opts    Options
	metrics *Metrics
}

// NewService creates a retrieval service.
func NewService(deps Deps, opts Options) *Service {
	if opts.TopK <= 0 {
		opts.TopK = vector.DefaultTopK
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.HeatLimit <= 0 {
		opts.HeatLimit = 100
	}
	return &Service{deps: deps, opts: opts, metrics: NewMetrics()}
}

func (s *Service) withDefaults(opts SearchOptions) SearchOptions {
	if opts.Limit <= 0 {
		opts.Limit = s.opts.Limit
	}
	if opts.TopK <= 0 {
		opts.TopK = max(s.opts.TopK, opts.Limit)
	}
	if opts.MinScore <= 0 {
		opts.MinScore = s.opts.MinScore
	}
	return opts
}

// Search fuses vector, full-text and heat signals for query. The lookups run
// in parallel; a failed lookup is logged and counts as empty. A query with no
// results returns an empty slice.
func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) ([]models.UnifiedSearchResult, error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.UnifiedSearchResult{}, nil
	}
	opts = s.withDefaults(opts)

	var (
		matches []vector.Match
		hits    []models.PromptHit
		hot     []models.HotEntity
		g       errgroup.Group
	)
	if s.deps.Vectors != nil {
		g.Go(func() error {
			var err error
			matches, err = s.deps.Vectors.Search(ctx, query, vector.SearchOptions{
				Category: opts.Category,
				TopK:     opts.TopK,
				MinScore: opts.MinScore,
			})
			if err != nil {
				s.signalFailed(ctx, "vector", err)
				matches = nil
			}
			return nil
		})
	}
	if s.deps.FullText != nil && ftsCovers(opts.Category) {
		if fts := SanitizeFTSQuery(query); fts != "" {
			g.Go(func() error {
				var err error
				hits, err = s.deps.FullText.SearchPrompts(ctx, fts, opts.TopK)
				if err != nil {
					s.signalFailed(ctx, "fts", err)
					hits = nil
				}
				return nil
			})
		}
	}
	if s.deps.Heat != nil {
		g.Go(func() error {
			var err error
			hot, err = s.deps.Heat.GetHotEntities(ctx, s.opts.HeatLimit)
			if err != nil {
				s.signalFailed(ctx, "heat", err)
				hot = nil
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := Fuse(matches, hits, hot, s.opts.Weights)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	s.metrics.RecordQuery(ctx, "search", len(results), time.Since(start))
	log.Debug().
		Str("query", query).
		Int("vector", len(matches)).
		Int("fts", len(hits)).
		Int("hot", len(hot)).
		Int("results", len(results)).
		Msg("Search finished")
	return results, nil
}

// ftsCovers reports whether the full-text index holds the category. It only
// stores session prompts and summaries.
func ftsCovers(category string) bool {
	return category == "" || category == string(models.SessionTypeCLIHistory)
}

func (s *Service) signalFailed(ctx context.Context, signal string, err error) {
	s.metrics.RecordFailure(ctx, signal)
	log.Warn().Err(err).Str("signal", signal).Msg("Search signal failed; treating as empty")
}

// memoryContent returns the text of a memory, falling back to the extracted
// memory of a session with that id.
func (s *Service) memoryContent(ctx context.Context, id string) (string, error) {
	if s.deps.Memories != nil {
		mem, err := s.deps.Memories.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get memory %s: %w", id, err)
		}
		if mem != nil {
			return mem.Content, nil
		}
	}
	if s.deps.Stage1 != nil {
		out, err := s.deps.Stage1.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get session memory %s: %w", id, err)
		}
		if out != nil {
			return out.RawMemory, nil
		}
	}
	return "", ErrMemoryNotFound
}

// Recommend returns up to count sources similar to the memory, excluding the
// memory itself.
func (s *Service) Recommend(ctx context.Context, memoryID string, count int) ([]models.UnifiedSearchResult, error) {
	start := time.Now()
	if count <= 0 {
		return []models.UnifiedSearchResult{}, nil
	}
	content, err := s.memoryContent(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" || s.deps.Vectors == nil {
		return []models.UnifiedSearchResult{}, nil
	}

	// Over-fetch: one source may own several chunks and self-matches are dropped.
	matches, err := s.deps.Vectors.Search(ctx, content, vector.SearchOptions{
		TopK:     count*3 + 1,
		MinScore: s.opts.MinScore,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	best := make(map[string]vector.Match)
	for _, m := range matches {
		if m.SourceID == "" || m.SourceID == memoryID {
			continue
		}
		if cur, ok := best[m.SourceID]; !ok || m.Score > cur.Score {
			best[m.SourceID] = m
		}
	}
	ranked := make([]vector.Match, 0, len(best))
	for _, m := range best {
		ranked = append(ranked, m)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].SourceID < ranked[j].SourceID
	})
	if len(ranked) > count {
		ranked = ranked[:count]
	}

	results := make([]models.UnifiedSearchResult, len(ranked))
	for i, m := range ranked {
		rank, score := i+1, m.Score
		results[i] = models.UnifiedSearchResult{
			SourceID:   m.SourceID,
			SourceType: m.SourceType,
			Category:   m.Category,
			Content:    m.Content,
			Score:      m.Score,
			RankSources: models.RankSources{
				VectorRank:  &rank,
				VectorScore: &score,
			},
		}
	}
	s.metrics.RecordQuery(ctx, "recommend", len(results), time.Since(start))
	return results, nil
}
