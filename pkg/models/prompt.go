// Package models contains domain models for memforge.
package models

import "time"

// PromptHit is a full-text match against captured prompts or session summaries.
type PromptHit struct {
	SessionID      string  `json:"session_id"`
	PromptText     string  `json:"prompt_text,omitempty"`
	ContextSummary string  `json:"context_summary,omitempty"`
	Rank           float64 `json:"rank"`
}

// Text returns the prompt text, or the context summary when no prompt was captured.
func (h PromptHit) Text() string {
	if h.PromptText != "" {
		return h.PromptText
	}
	return h.ContextSummary
}

// HotEntity is an entity ranked by recency/frequency heat.
type HotEntity struct {
	LastSeenAt      time.Time `json:"last_seen_at"`
	NormalizedValue string    `json:"normalized_value"`
	Kind            string    `json:"kind"`
	HeatScore       float64   `json:"heat_score"`
	MentionCount    int       `json:"mention_count"`
}

// Memory is a durable knowledge entry.
type Memory struct {
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Category   string         `json:"category"`
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id,omitempty"`
}

// Chunk is one indexed slice of a source's content.
type Chunk struct {
	CreatedAt  time.Time `json:"created_at"`
	SourceID   string    `json:"source_id"`
	SourceType string    `json:"source_type"`
	Category   string    `json:"category"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
}

// Workflow is a recorded multi-step workflow run.
type Workflow struct {
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Steps       []string  `json:"steps"`
}
