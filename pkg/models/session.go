// Package models contains domain models for memforge.
package models

import "time"

// SessionType identifies where a session's content came from.
type SessionType string

const (
	SessionTypeCoreMemory SessionType = "core_memory"
	SessionTypeWorkflow   SessionType = "workflow"
	SessionTypeCLIHistory SessionType = "cli_history"
	SessionTypeNative     SessionType = "native"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeCoreMemory, SessionTypeWorkflow, SessionTypeCLIHistory, SessionTypeNative:
		return true
	}
	return false
}

const (
	// MaxSessionKeywords caps the keyword set kept per session.
	MaxSessionKeywords = 20
	// MaxSessionFilePatterns caps the file pattern set kept per session.
	MaxSessionFilePatterns = 10
)

// SessionMetadata is the normalized view of a session used by clustering and retrieval.
type SessionMetadata struct {
	CreatedAt       time.Time   `json:"created_at"`
	LastAccessed    time.Time   `json:"last_accessed"`
	SessionID       string      `json:"session_id"`
	SessionType     SessionType `json:"session_type"`
	Title           string      `json:"title"`
	Summary         string      `json:"summary"`
	Keywords        []string    `json:"keywords"`
	FilePatterns    []string    `json:"file_patterns"`
	TokenEstimate   int         `json:"token_estimate"`
	AccessCount     int         `json:"access_count"`
	SourceUpdatedAt int64       `json:"source_updated_at"`
}

// Conversation is a captured interaction transcript.
type Conversation struct {
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Turns     []Turn    `json:"turns"`
}

// Turn is one prompt and the output it produced.
type Turn struct {
	Prompt      string `json:"prompt"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	FinalOutput string `json:"final_output,omitempty"`
}

// SessionRef is a lightweight handle returned by eligibility scans.
type SessionRef struct {
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	TurnCount int       `json:"turn_count"`
}

// Stage1Output is the normalized extraction result for one session.
type Stage1Output struct {
	GeneratedAt     time.Time `json:"generated_at"`
	ThreadID        string    `json:"thread_id"`
	RawMemory       string    `json:"raw_memory"`
	RolloutSummary  string    `json:"rollout_summary"`
	SourceUpdatedAt int64     `json:"source_updated_at"`
}

// CategoryInternal marks sessions that must never be extracted.
const CategoryInternal = "internal"

// EligibilityFilter selects sessions for extraction.
type EligibilityFilter struct {
	Now              time.Time
	ExcludeSessionID string
	ExcludeProjects  []string // doublestar globs matched against the project
	MaxAgeDays       int
	MinIdleHours     int
	Limit            int
}
