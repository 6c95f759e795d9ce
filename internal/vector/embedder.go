package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/crypto/blake2b"

	"github.com/thebtf/memforge/pkg/similarity"
)

// EmbedderConfig configures an OpenAI-compatible embedding endpoint.
type EmbedderConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// NewOpenAIEmbedder creates an embedder for any OpenAI-compatible endpoint
// (OpenAI, TEI, Ollama).
func NewOpenAIEmbedder(cfg EmbedderConfig) (Embedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for local servers
		apiKey = "placeholder"
	}
	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return embedder, nil
}

// HashEmbedder is a deterministic bag-of-words embedder based on feature
// hashing. It needs no network access; texts sharing vocabulary get
// similar vectors.
type HashEmbedder struct {
	Dims int
}

// DefaultHashDims is the vector size used when HashEmbedder.Dims is unset.
const DefaultHashDims = 256

// NewHashEmbedder creates a hashing embedder with the given dimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &HashEmbedder{Dims: dims}
}

// EmbedDocuments embeds each text.
func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

// EmbedQuery embeds a single text.
func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.embed(text), nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	dims := h.Dims
	if dims <= 0 {
		dims = DefaultHashDims
	}
	vec := make([]float32, dims)
	for _, word := range similarity.Words(text) {
		if similarity.IsStopWord(word) {
			continue
		}
		sum := blake2b.Sum256([]byte(word))
		bucket := binary.LittleEndian.Uint32(sum[:4]) % uint32(dims)
		if sum[4]&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Zero vectors cannot be normalized; use a fixed unit vector.
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
