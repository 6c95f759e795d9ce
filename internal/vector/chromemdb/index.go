// Package chromemdb implements the vector index on top of chromem-go.
package chromemdb

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/memforge/internal/chunking"
	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/pkg/models"
)

// DefaultCollection holds every indexed chunk; filters separate categories.
const DefaultCollection = "memforge"

// ChunkWriter persists chunks next to the index.
type ChunkWriter interface {
	ReplaceChunks(ctx context.Context, sourceID string, chunks []models.Chunk) error
}

// Config configures the index.
type Config struct {
	// Path of the persistent database directory. Empty keeps the index in memory.
	Path       string
	Collection string
	Chunking   chunking.Options
	Compress   bool
}

// Index is a chromem-go backed vector.Index.
type Index struct {
	coll     *chromem.Collection
	embedder vector.Embedder
	chunks   ChunkWriter
	metrics  *vector.Metrics
	opts     chunking.Options
	// writeMu keeps delete+add of one source atomic with respect to other writers.
	writeMu sync.Mutex
}

var _ vector.Index = (*Index)(nil)

// New opens (or creates) the index. chunks may be nil.
func New(cfg Config, embedder vector.Embedder, chunks ChunkWriter) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open vector db %s: %w", cfg.Path, err)
		}
	}

	name := cfg.Collection
	if name == "" {
		name = DefaultCollection
	}
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	coll, err := db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", name, err)
	}

	return &Index{
		coll:     coll,
		embedder: embedder,
		chunks:   chunks,
		metrics:  vector.NewMetrics(),
		opts:     cfg.Chunking,
	}, nil
}

// Count returns the number of indexed chunks.
func (x *Index) Count() int {
	return x.coll.Count()
}

// IndexContent chunks and embeds text under meta.SourceID, replacing any
// chunks previously indexed for that source.
func (x *Index) IndexContent(ctx context.Context, text string, meta vector.Metadata) (vector.IndexResult, error) {
	if meta.SourceID == "" {
		return vector.IndexResult{}, vector.ErrMissingSourceID
	}
	result := vector.IndexResult{SourceID: meta.SourceID}

	pieces := chunking.Split(text, x.opts)
	texts := make([]string, len(pieces))
	for i := range pieces {
		texts[i] = pieces[i].SearchableContent()
	}

	var embeddings [][]float32
	if len(texts) > 0 {
		var err error
		embeddings, err = x.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return result, fmt.Errorf("embed %s: %w", meta.SourceID, err)
		}
		if len(embeddings) != len(texts) {
			return result, fmt.Errorf("embed %s: got %d vectors for %d chunks", meta.SourceID, len(embeddings), len(texts))
		}
	}

	now := time.Now()
	docs := make([]chromem.Document, len(pieces))
	rows := make([]models.Chunk, len(pieces))
	for i, p := range pieces {
		md := map[string]string{
			"source_id":   meta.SourceID,
			"source_type": meta.SourceType,
			"category":    meta.Category,
			"chunk_index": strconv.Itoa(p.Index),
		}
		for k, v := range meta.Extra {
			if _, reserved := md[k]; !reserved {
				md[k] = v
			}
		}
		docs[i] = chromem.Document{
			ID:        chunkID(meta.SourceID, p.Index),
			Metadata:  md,
			Embedding: embeddings[i],
			Content:   texts[i],
		}
		rows[i] = models.Chunk{
			SourceID:   meta.SourceID,
			SourceType: meta.SourceType,
			Category:   meta.Category,
			Content:    texts[i],
			Embedding:  embeddings[i],
			ChunkIndex: p.Index,
			CreatedAt:  now,
		}
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if err := x.coll.Delete(ctx, map[string]string{"source_id": meta.SourceID}, nil); err != nil {
		return result, fmt.Errorf("delete previous chunks of %s: %w", meta.SourceID, err)
	}
	if len(docs) > 0 {
		if err := x.coll.AddDocuments(ctx, docs, 1); err != nil {
			return result, fmt.Errorf("add chunks of %s: %w", meta.SourceID, err)
		}
	}
	if x.chunks != nil {
		if err := x.chunks.ReplaceChunks(ctx, meta.SourceID, rows); err != nil {
			return result, fmt.Errorf("persist chunks of %s: %w", meta.SourceID, err)
		}
	}

	result.Chunks = len(docs)
	x.metrics.RecordIndexed(ctx, meta.Category, len(docs))
	log.Debug().
		Str("source_id", meta.SourceID).
		Str("category", meta.Category).
		Int("chunks", len(docs)).
		Msg("Indexed content")
	return result, nil
}

// Search embeds text and returns its nearest chunks.
func (x *Index) Search(ctx context.Context, text string, opts vector.SearchOptions) ([]vector.Match, error) {
	if text == "" {
		return nil, nil
	}
	start := time.Now()
	vec, err := x.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := x.query(ctx, vec, opts)
	x.metrics.RecordQuery(ctx, "text", time.Since(start))
	return matches, err
}

// SearchByVector returns the chunks nearest to vec.
func (x *Index) SearchByVector(ctx context.Context, vec []float32, opts vector.SearchOptions) ([]vector.Match, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	start := time.Now()
	matches, err := x.query(ctx, vec, opts)
	x.metrics.RecordQuery(ctx, "vector", time.Since(start))
	return matches, err
}

func (x *Index) query(ctx context.Context, vec []float32, opts vector.SearchOptions) ([]vector.Match, error) {
	n := opts.TopK
	if n <= 0 {
		n = vector.DefaultTopK
	}
	// chromem requires nResults <= document count
	count := x.coll.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}

	results, err := x.coll.QueryEmbedding(ctx, vec, n, vector.BuildWhereFilter(opts), nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	matches := make([]vector.Match, 0, len(results))
	for _, r := range results {
		idx, _ := strconv.Atoi(r.Metadata["chunk_index"])
		matches = append(matches, vector.Match{
			SourceID:   r.Metadata["source_id"],
			SourceType: r.Metadata["source_type"],
			Category:   r.Metadata["category"],
			Content:    r.Content,
			Score:      float64(r.Similarity),
			ChunkIndex: idx,
		})
	}
	return vector.FilterMinScore(matches, opts.MinScore), nil
}

// Delete removes every chunk of a source from the index.
func (x *Index) Delete(ctx context.Context, sourceID string) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return x.coll.Delete(ctx, map[string]string{"source_id": sourceID}, nil)
}

func chunkID(sourceID string, index int) string {
	return sourceID + "#" + strconv.Itoa(index)
}
