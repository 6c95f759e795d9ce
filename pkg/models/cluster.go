// Package models contains domain models for memforge.
package models

import "time"

// ClusterStatus is the lifecycle state of a session cluster.
type ClusterStatus string

const (
	ClusterStatusActive   ClusterStatus = "active"
	ClusterStatusArchived ClusterStatus = "archived"
)

// SessionCluster groups related sessions.
type SessionCluster struct {
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Intent      string        `json:"intent"`
	Status      ClusterStatus `json:"status"`
}

// ClusterMember links a session to a cluster.
type ClusterMember struct {
	ClusterID      string      `json:"cluster_id"`
	SessionID      string      `json:"session_id"`
	SessionType    SessionType `json:"session_type"`
	SequenceOrder  int         `json:"sequence_order"`
	RelevanceScore float64     `json:"relevance_score"`
}

// DetectedPattern is content recurring across several sessions.
// Patterns are produced per detection run and are not stored as-is.
type DetectedPattern struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Representative string   `json:"representative"`
	Category       string   `json:"category"`
	SourceIDs      []string `json:"source_ids"`
	SessionCount   int      `json:"session_count"`
	AvgSimilarity  float64  `json:"avg_similarity"`
	Confidence     float64  `json:"confidence"`
}

// RankSources records which signals contributed to a fused search result.
type RankSources struct {
	VectorRank  *int     `json:"vector_rank,omitempty"`
	VectorScore *float64 `json:"vector_score,omitempty"`
	FTSRank     *int     `json:"fts_rank,omitempty"`
	HeatScore   *float64 `json:"heat_score,omitempty"`
}

// UnifiedSearchResult is one fused retrieval hit. It is never persisted.
type UnifiedSearchResult struct {
	RankSources RankSources `json:"rank_sources"`
	SourceID    string      `json:"source_id"`
	SourceType  string      `json:"source_type"`
	Content     string      `json:"content"`
	Category    string      `json:"category"`
	Score       float64     `json:"score"`
}
