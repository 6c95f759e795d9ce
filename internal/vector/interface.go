// Package vector defines the embedding index used for semantic search.
package vector

import (
	"context"
	"errors"
)

// ErrMissingSourceID is returned when content is indexed without a source id.
var ErrMissingSourceID = errors.New("source id is required")

// Index is an approximate nearest neighbour index over chunked content.
type Index interface {
	// Search embeds text and returns the closest chunks.
	Search(ctx context.Context, text string, opts SearchOptions) ([]Match, error)

	// SearchByVector returns the chunks closest to vec.
	SearchByVector(ctx context.Context, vec []float32, opts SearchOptions) ([]Match, error)

	// IndexContent chunks, embeds and stores text, replacing any previous
	// content of the same source.
	IndexContent(ctx context.Context, text string, meta Metadata) (IndexResult, error)
}

// Embedder turns text into vectors. langchaingo embedders satisfy it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Match is one search hit.
type Match struct {
	SourceID   string  `json:"source_id"`
	SourceType string  `json:"source_type"`
	Category   string  `json:"category"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	ChunkIndex int     `json:"chunk_index"`
}

// SearchOptions narrows a search.
type SearchOptions struct {
	Category   string
	SourceType string
	TopK       int
	MinScore   float64
}

// Metadata describes indexed content.
type Metadata struct {
	Extra      map[string]string
	SourceID   string
	SourceType string
	Category   string
}

// IndexResult reports what IndexContent stored.
type IndexResult struct {
	SourceID string `json:"source_id"`
	Chunks   int    `json:"chunks"`
}

// DefaultTopK is used when SearchOptions.TopK is not positive.
const DefaultTopK = 10
