// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"context"
	"database/sql"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/memforge/pkg/models"
)

// summaryPromptNumber is the prompt slot reserved for a session's context summary.
const summaryPromptNumber = 0

// PromptStore is the full-text index over captured prompts and session summaries.
type PromptStore struct {
	db     *gorm.DB
	rawDB  *sql.DB
	driver string
}

// NewPromptStore creates a new prompt store.
func NewPromptStore(store *Store) *PromptStore {
	return &PromptStore{
		db:     store.DB,
		rawDB:  store.GetRawDB(),
		driver: store.Driver(),
	}
}

// SavePrompt stores or replaces one numbered prompt of a session.
func (s *PromptStore) SavePrompt(ctx context.Context, sessionID string, number int, text string) error {
	row := &UserPrompt{
		SessionID:    sessionID,
		PromptNumber: number,
		PromptText:   text,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "prompt_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"prompt_text"}),
	}).Create(row).Error
}

// SaveContextSummary stores the rollout summary of a session so it is searchable.
func (s *PromptStore) SaveContextSummary(ctx context.Context, sessionID, summary string) error {
	row := &UserPrompt{
		SessionID:      sessionID,
		PromptNumber:   summaryPromptNumber,
		ContextSummary: summary,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "prompt_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"context_summary"}),
	}).Create(row).Error
}

// SearchPrompts runs a full-text query that has already been sanitized.
// Results are ordered best match first.
func (s *PromptStore) SearchPrompts(ctx context.Context, query string, limit int) ([]models.PromptHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if s.driver == DriverPostgres {
		rows, err = s.rawDB.QueryContext(ctx, `
			SELECT session_id, prompt_text, context_summary,
				ts_rank(to_tsvector('english', prompt_text || ' ' || context_summary), websearch_to_tsquery('english', $1)) AS rank
			FROM user_prompts
			WHERE to_tsvector('english', prompt_text || ' ' || context_summary) @@ websearch_to_tsquery('english', $1)
			ORDER BY rank DESC, id DESC
			LIMIT $2`, query, limit)
	} else {
		rows, err = s.rawDB.QueryContext(ctx, `
			SELECT p.session_id, p.prompt_text, p.context_summary, bm25(user_prompts_fts) AS rank
			FROM user_prompts_fts
			JOIN user_prompts p ON p.id = user_prompts_fts.rowid
			WHERE user_prompts_fts MATCH ?
			ORDER BY rank ASC, p.id DESC
			LIMIT ?`, query, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []models.PromptHit
	for rows.Next() {
		var hit models.PromptHit
		if err := rows.Scan(&hit.SessionID, &hit.PromptText, &hit.ContextSummary, &hit.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
