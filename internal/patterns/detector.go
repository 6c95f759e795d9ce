// Package patterns finds content that recurs across sessions and promotes
// high-confidence patterns to durable memories.
package patterns

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/thebtf/memforge/internal/collections"
	"github.com/thebtf/memforge/internal/config"
	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/pkg/models"
)

// Category is the memory category of solidified patterns.
const Category = "pattern"

const (
	prefixHashBytes     = 200
	neighborTopK        = 20
	representativeRunes = 500
	minGroupSessions    = 2
	minPatternSessions  = 3
)

// Searcher is the ANN index used to sample and expand chunks.
type Searcher interface {
	Search(ctx context.Context, text string, opts vector.SearchOptions) ([]vector.Match, error)
}

// MemoryWriter stores solidified patterns.
type MemoryWriter interface {
	Create(ctx context.Context, mem *models.Memory) (string, error)
}

// Options tunes detection.
type Options struct {
	ArtifactsDir      string
	MaxChunks         int
	MinSimilarity     float64
	SolidifyThreshold float64
}

// DefaultOptions returns the options matching config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig maps configuration onto detector options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ArtifactsDir:      config.ArtifactsDir(),
		MaxChunks:         cfg.PatternMaxChunks,
		MinSimilarity:     cfg.PatternSimilarity,
		SolidifyThreshold: cfg.PatternSolidifyThreshold,
	}
}

// DetectionResult is the outcome of one detection pass.
type DetectionResult struct {
	Candidates    []models.DetectedPattern `json:"candidates"`
	Solidified    []string                 `json:"solidified"`
	Artifacts     []string                 `json:"artifacts"`
	ChunksScanned int                      `json:"chunks_scanned"`
	Groups        int                      `json:"groups"`
}

// Detector finds recurring content in the vector index.
type Detector struct {
	index    Searcher
	memories MemoryWriter
	registry *collections.Registry
	opts     Options
	now      func() time.Time
}

// NewDetector creates a detector. A nil registry uses the built-in categories;
// a nil memory writer disables solidification.
func NewDetector(index Searcher, memories MemoryWriter, registry *collections.Registry, opts Options) *Detector {
	if registry == nil {
		registry = collections.Default()
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = 500
	}
	return &Detector{
		index:    index,
		memories: memories,
		registry: registry,
		opts:     opts,
		now:      time.Now,
	}
}

// Confidence scores a group from its average similarity and session count.
func Confidence(avgSimilarity float64, sessions int) float64 {
	return 0.6*avgSimilarity + 0.4*math.Min(float64(sessions)/10, 1)
}

// ShouldSolidify reports whether a pattern is confident enough to persist.
func ShouldSolidify(confidence, threshold float64) bool {
	return confidence >= threshold
}

func chunkKey(m vector.Match) string {
	return m.SourceID + "#" + strconv.Itoa(m.ChunkIndex)
}

// prefixHash identifies content by the first bytes of its normalized form.
func prefixHash(content string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	if len(norm) > prefixHashBytes {
		norm = norm[:prefixHashBytes]
	}
	sum := blake2b.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}

// gather samples chunks through the probe queries of every enabled category.
func (d *Detector) gather(ctx context.Context) ([]vector.Match, error) {
	var probes []struct{ category, text string }
	for _, c := range d.registry.Enabled() {
		for _, text := range c.ProbeTexts() {
			probes = append(probes, struct{ category, text string }{c.Name, text})
		}
	}
	if len(probes) == 0 {
		return nil, nil
	}
	perProbe := max(1, (d.opts.MaxChunks+len(probes)-1)/len(probes))

	seenKey := make(map[string]bool)
	seenHash := make(map[string]bool)
	out := make([]vector.Match, 0, d.opts.MaxChunks)
	for _, p := range probes {
		if len(out) >= d.opts.MaxChunks {
			break
		}
		matches, err := d.index.Search(ctx, p.text, vector.SearchOptions{Category: p.category, TopK: perProbe})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("category", p.category).Msg("Pattern probe failed")
			continue
		}
		for _, m := range matches {
			if len(out) >= d.opts.MaxChunks {
				break
			}
			key, hash := chunkKey(m), prefixHash(m.Content)
			if seenKey[key] || seenHash[hash] {
				continue
			}
			seenKey[key], seenHash[hash] = true, true
			out = append(out, m)
		}
	}
	return out, nil
}

type group struct {
	seed    vector.Match
	members []vector.Match
	scores  []float64
}

func (g *group) sessions() []string {
	set := map[string]bool{g.seed.SourceID: true}
	for _, m := range g.members {
		set[m.SourceID] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (g *group) avgSimilarity() float64 {
	if len(g.scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range g.scores {
		sum += s
	}
	return sum / float64(len(g.scores))
}

// expand groups each unassigned chunk with its close neighbours. Groups
// spanning fewer than two sessions are dropped and their chunks stay free.
func (d *Detector) expand(ctx context.Context, working []vector.Match) ([]*group, error) {
	position := make(map[string]int, len(working))
	for i, m := range working {
		position[chunkKey(m)] = i
	}
	assigned := make([]bool, len(working))

	var groups []*group
	for i, seed := range working {
		if assigned[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return groups, err
		}
		matches, err := d.index.Search(ctx, seed.Content, vector.SearchOptions{TopK: neighborTopK, MinScore: d.opts.MinSimilarity})
		if err != nil {
			log.Warn().Err(err).Str("source_id", seed.SourceID).Msg("Pattern neighbor search failed")
			continue
		}

		g := &group{seed: seed}
		var taken []int
		seen := map[string]bool{chunkKey(seed): true}
		for _, m := range matches {
			key := chunkKey(m)
			if seen[key] {
				continue
			}
			seen[key] = true
			if pos, ok := position[key]; ok {
				if assigned[pos] {
					continue
				}
				taken = append(taken, pos)
			}
			g.members = append(g.members, m)
			g.scores = append(g.scores, m.Score)
		}

		if len(g.sessions()) < minGroupSessions {
			continue
		}
		assigned[i] = true
		for _, pos := range taken {
			assigned[pos] = true
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// patternID derives a stable id from the pattern name.
func patternID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("memforge:pattern:"+name)).String()
}

func toPattern(g *group) models.DetectedPattern {
	texts := make([]string, 0, len(g.members)+1)
	texts = append(texts, g.seed.Content)
	for _, m := range g.members {
		texts = append(texts, m.Content)
	}
	name := patternName(texts)
	sessions := g.sessions()
	avg := g.avgSimilarity()
	category := g.seed.Category
	if category == "" {
		category = g.seed.SourceType
	}
	return models.DetectedPattern{
		ID:             patternID(name),
		Name:           name,
		Representative: capRunes(g.seed.Content, representativeRunes),
		Category:       category,
		SourceIDs:      sessions,
		SessionCount:   len(sessions),
		AvgSimilarity:  avg,
		Confidence:     Confidence(avg, len(sessions)),
	}
}

// Detect samples the index, groups recurring chunks and solidifies the
// confident patterns.
func (d *Detector) Detect(ctx context.Context) (*DetectionResult, error) {
	result := &DetectionResult{
		Candidates: []models.DetectedPattern{},
		Solidified: []string{},
		Artifacts:  []string{},
	}

	working, err := d.gather(ctx)
	if err != nil {
		return nil, fmt.Errorf("gather chunks: %w", err)
	}
	result.ChunksScanned = len(working)

	groups, err := d.expand(ctx, working)
	if err != nil {
		return nil, fmt.Errorf("expand groups: %w", err)
	}
	result.Groups = len(groups)

	for _, g := range groups {
		if p := toPattern(g); p.SessionCount >= minPatternSessions {
			result.Candidates = append(result.Candidates, p)
		}
	}
	sort.SliceStable(result.Candidates, func(i, j int) bool {
		return result.Candidates[i].Confidence > result.Candidates[j].Confidence
	})

	for _, p := range result.Candidates {
		if !ShouldSolidify(p.Confidence, d.opts.SolidifyThreshold) {
			continue
		}
		path, err := d.solidify(ctx, p)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p.Name).Msg("Failed to solidify pattern")
			continue
		}
		result.Solidified = append(result.Solidified, p.Name)
		if path != "" {
			result.Artifacts = append(result.Artifacts, path)
		}
	}

	log.Info().
		Int("chunks", result.ChunksScanned).
		Int("groups", result.Groups).
		Int("candidates", len(result.Candidates)).
		Int("solidified", len(result.Solidified)).
		Msg("Pattern detection finished")
	return result, nil
}

// solidify stores the pattern as a memory and writes its artifact. Memory ids
// derive from the pattern name, so repeated detections update in place.
func (d *Detector) solidify(ctx context.Context, p models.DetectedPattern) (string, error) {
	now := d.now()
	if d.memories != nil {
		sessionIDs := make([]any, len(p.SourceIDs))
		for i, id := range p.SourceIDs {
			sessionIDs[i] = id
		}
		mem := &models.Memory{
			ID:         p.ID,
			Content:    "# " + p.Name + "\n\n" + p.Representative,
			Category:   Category,
			SourceType: Category,
			SourceID:   p.ID,
			CreatedAt:  now,
			Metadata: map[string]any{
				"name":           p.Name,
				"category":       p.Category,
				"session_ids":    sessionIDs,
				"session_count":  p.SessionCount,
				"confidence":     p.Confidence,
				"avg_similarity": p.AvgSimilarity,
			},
		}
		if _, err := d.memories.Create(ctx, mem); err != nil {
			return "", fmt.Errorf("store pattern memory: %w", err)
		}
	}

	if d.opts.ArtifactsDir == "" {
		return "", nil
	}
	return writeArtifact(d.opts.ArtifactsDir, p, now)
}

// AfterExtraction runs a full detection pass.
func (d *Detector) AfterExtraction(ctx context.Context, _ []string) error {
	_, err := d.Detect(ctx)
	return err
}
