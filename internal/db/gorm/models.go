// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/memforge/pkg/models"
)

// GORM Models

// JobState is the lifecycle state of a scheduled job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobClaimed   JobState = "claimed"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job is a claimable unit of work keyed by (kind, entity_id).
type Job struct {
	ID                   int64          `gorm:"primaryKey;autoIncrement"`
	Kind                 string         `gorm:"size:64;not null;uniqueIndex:idx_jobs_kind_entity,priority:1;index:idx_jobs_kind_state,priority:1"`
	EntityID             string         `gorm:"size:255;not null;uniqueIndex:idx_jobs_kind_entity,priority:2"`
	Watermark            int64          `gorm:"not null;default:0"`
	State                JobState       `gorm:"type:text;size:16;not null;default:'pending';check:state IN ('pending', 'claimed', 'succeeded', 'failed');index:idx_jobs_kind_state,priority:2"`
	OwnershipToken       string         `gorm:"size:64"`
	AttemptCount         int            `gorm:"not null;default:0"`
	LastError            sql.NullString `gorm:"type:text"`
	LastSuccessWatermark int64          `gorm:"not null;default:0"`
	LastSuccessAtEpoch   sql.NullInt64
	ClaimedAtEpoch       sql.NullInt64
	FinishedAtEpoch      sql.NullInt64
	CreatedAtEpoch       int64 `gorm:"not null"`
	UpdatedAtEpoch       int64 `gorm:"not null"`
}

func (Job) TableName() string { return "jobs" }

// BeforeCreate hook to ensure timestamps are set.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if j.CreatedAtEpoch == 0 {
		j.CreatedAtEpoch = now
	}
	if j.UpdatedAtEpoch == 0 {
		j.UpdatedAtEpoch = now
	}
	if j.State == "" {
		j.State = JobPending
	}
	return nil
}

// Conversation is a captured session transcript header.
type Conversation struct {
	ID             string `gorm:"primaryKey;size:255"`
	Project        string `gorm:"index;not null;default:''"`
	Title          string `gorm:"type:text"`
	Category       string `gorm:"size:64;index;not null;default:'general'"`
	TurnCount      int    `gorm:"not null;default:0"`
	CreatedAtEpoch int64  `gorm:"not null"`
	UpdatedAtEpoch int64  `gorm:"index:idx_conversations_updated,sort:desc;not null"`
}

func (Conversation) TableName() string { return "conversations" }

// BeforeCreate hook to ensure timestamps are set.
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.CreatedAtEpoch == 0 {
		c.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if c.UpdatedAtEpoch == 0 {
		c.UpdatedAtEpoch = c.CreatedAtEpoch
	}
	return nil
}

// ConversationTurn is one prompt/output exchange within a conversation.
type ConversationTurn struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:255;not null;uniqueIndex:idx_turns_conversation_ordinal,priority:1"`
	Ordinal        int    `gorm:"not null;uniqueIndex:idx_turns_conversation_ordinal,priority:2"`
	Prompt         string `gorm:"type:text"`
	Stdout         string `gorm:"type:text"`
	Stderr         string `gorm:"type:text"`
	FinalOutput    string `gorm:"type:text"`
}

func (ConversationTurn) TableName() string { return "conversation_turns" }

// Stage1Output stores the normalized extraction result per session.
type Stage1Output struct {
	ThreadID         string `gorm:"primaryKey;size:255"`
	SourceUpdatedAt  int64  `gorm:"not null"`
	RawMemory        string `gorm:"type:text;not null"`
	RolloutSummary   string `gorm:"type:text;not null"`
	GeneratedAtEpoch int64  `gorm:"index:idx_stage1_generated,sort:desc;not null"`
}

func (Stage1Output) TableName() string { return "stage1_outputs" }

// BeforeCreate hook to ensure timestamps are set.
func (o *Stage1Output) BeforeCreate(tx *gorm.DB) error {
	if o.GeneratedAtEpoch == 0 {
		o.GeneratedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// SessionMetadataCache caches the normalized metadata of a session.
type SessionMetadataCache struct {
	SessionID         string                 `gorm:"primaryKey;size:255"`
	SessionType       models.SessionType     `gorm:"type:text;size:32;not null;check:session_type IN ('core_memory', 'workflow', 'cli_history', 'native');index"`
	Title             string                 `gorm:"type:text"`
	Summary           string                 `gorm:"type:text"`
	Keywords          models.JSONStringArray `gorm:"type:text"`
	FilePatterns      models.JSONStringArray `gorm:"type:text"`
	TokenEstimate     int                    `gorm:"not null;default:0"`
	SourceUpdatedAt   int64                  `gorm:"not null;default:0"`
	CreatedAtEpoch    int64                  `gorm:"index:idx_metadata_created,sort:desc;not null"`
	LastAccessedEpoch int64                  `gorm:"not null;default:0"`
	AccessCount       int                    `gorm:"not null;default:0"`
}

func (SessionMetadataCache) TableName() string { return "session_metadata_cache" }

// SessionCluster is a group of related sessions.
type SessionCluster struct {
	ID             string               `gorm:"primaryKey;size:36"`
	Name           string               `gorm:"type:text;not null"`
	Description    string               `gorm:"type:text"`
	Intent         string               `gorm:"type:text"`
	Status         models.ClusterStatus `gorm:"type:text;size:16;not null;default:'active';check:status IN ('active', 'archived');index"`
	CreatedAtEpoch int64                `gorm:"not null"`
	UpdatedAtEpoch int64                `gorm:"index:idx_clusters_updated,sort:desc;not null"`
}

func (SessionCluster) TableName() string { return "session_clusters" }

// BeforeCreate hook to ensure timestamps are set.
func (c *SessionCluster) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if c.CreatedAtEpoch == 0 {
		c.CreatedAtEpoch = now
	}
	if c.UpdatedAtEpoch == 0 {
		c.UpdatedAtEpoch = now
	}
	if c.Status == "" {
		c.Status = models.ClusterStatusActive
	}
	return nil
}

// ClusterMember links a session to a cluster.
type ClusterMember struct {
	ID             int64              `gorm:"primaryKey;autoIncrement"`
	ClusterID      string             `gorm:"size:36;not null;uniqueIndex:idx_members_cluster_session,priority:1"`
	SessionID      string             `gorm:"size:255;not null;uniqueIndex:idx_members_cluster_session,priority:2;index:idx_members_session"`
	SessionType    models.SessionType `gorm:"type:text;size:32;not null"`
	SequenceOrder  int                `gorm:"not null;default:0"`
	RelevanceScore float64            `gorm:"type:real;not null;default:0"`
}

func (ClusterMember) TableName() string { return "cluster_members" }

// Memory is a durable knowledge entry.
type Memory struct {
	ID             string         `gorm:"primaryKey;size:64"`
	Content        string         `gorm:"type:text;not null"`
	Category       string         `gorm:"size:64;index;not null"`
	SourceType     string         `gorm:"size:64;not null;default:''"`
	SourceID       string         `gorm:"size:255;index"`
	Metadata       models.JSONMap `gorm:"type:text"`
	CreatedAtEpoch int64          `gorm:"index:idx_memories_created,sort:desc;not null"`
}

func (Memory) TableName() string { return "memories" }

// BeforeCreate hook to ensure timestamps are set.
func (m *Memory) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedAtEpoch == 0 {
		m.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// Chunk is an indexed slice of a source document with its embedding.
type Chunk struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	SourceID       string `gorm:"size:255;not null;uniqueIndex:idx_chunks_source_index,priority:1"`
	ChunkIndex     int    `gorm:"not null;uniqueIndex:idx_chunks_source_index,priority:2"`
	SourceType     string `gorm:"size:64;not null;default:''"`
	Category       string `gorm:"size:64;index;not null;default:''"`
	Content        string `gorm:"type:text;not null"`
	Embedding      []byte
	CreatedAtEpoch int64 `gorm:"not null"`
}

func (Chunk) TableName() string { return "chunks" }

// BeforeCreate hook to ensure timestamps are set.
func (c *Chunk) BeforeCreate(tx *gorm.DB) error {
	if c.CreatedAtEpoch == 0 {
		c.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// UserPrompt is a captured prompt or session summary, full-text indexed.
type UserPrompt struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	SessionID      string `gorm:"size:255;index;not null;uniqueIndex:idx_user_prompts_session_number_unique,priority:1"`
	PromptNumber   int    `gorm:"not null;uniqueIndex:idx_user_prompts_session_number_unique,priority:2"`
	PromptText     string `gorm:"type:text;not null;default:''"`
	ContextSummary string `gorm:"type:text;not null;default:''"`
	CreatedAtEpoch int64  `gorm:"index:idx_prompts_created,sort:desc;not null"`
}

func (UserPrompt) TableName() string { return "user_prompts" }

// BeforeCreate hook to ensure timestamps are set.
func (p *UserPrompt) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedAtEpoch == 0 {
		p.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// Entity is a file, symbol or topic tracked for heat.
type Entity struct {
	ID              int64   `gorm:"primaryKey;autoIncrement"`
	NormalizedValue string  `gorm:"size:512;uniqueIndex;not null"`
	Kind            string  `gorm:"size:32;not null;default:'topic'"`
	MentionCount    int     `gorm:"not null;default:0"`
	HeatScore       float64 `gorm:"type:real;not null;default:0;index:idx_entities_heat,sort:desc"`
	LastSeenAtEpoch int64   `gorm:"not null"`
}

func (Entity) TableName() string { return "entities" }

// Workflow is a recorded workflow run.
type Workflow struct {
	ID             string                 `gorm:"primaryKey;size:255"`
	Name           string                 `gorm:"type:text;not null"`
	Description    string                 `gorm:"type:text"`
	Steps          models.JSONStringArray `gorm:"type:text"`
	CreatedAtEpoch int64                  `gorm:"not null"`
	UpdatedAtEpoch int64                  `gorm:"index:idx_workflows_updated,sort:desc;not null"`
}

func (Workflow) TableName() string { return "workflows" }

// BeforeCreate hook to ensure timestamps are set.
func (w *Workflow) BeforeCreate(tx *gorm.DB) error {
	if w.CreatedAtEpoch == 0 {
		w.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if w.UpdatedAtEpoch == 0 {
		w.UpdatedAtEpoch = w.CreatedAtEpoch
	}
	return nil
}
