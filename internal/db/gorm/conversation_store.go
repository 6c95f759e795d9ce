// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/memforge/pkg/models"
)

// ConversationStore is the durable conversation source.
type ConversationStore struct {
	db *gorm.DB
}

// NewConversationStore creates a new conversation store.
func NewConversationStore(store *Store) *ConversationStore {
	return &ConversationStore{db: store.DB}
}

// SaveConversation upserts a conversation, replaces its turns and indexes its prompts.
func (s *ConversationStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	category := conv.Category
	if category == "" {
		category = "general"
	}

	header := &Conversation{
		ID:             conv.ID,
		Project:        conv.Project,
		Title:          conv.Title,
		Category:       category,
		TurnCount:      len(conv.Turns),
		CreatedAtEpoch: toMillis(conv.CreatedAt),
		UpdatedAtEpoch: toMillis(conv.UpdatedAt),
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"project", "title", "category", "turn_count", "updated_at_epoch"}),
		}).Create(header).Error
		if err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}

		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&ConversationTurn{}).Error; err != nil {
			return fmt.Errorf("clear turns: %w", err)
		}
		if len(conv.Turns) == 0 {
			return nil
		}

		turns := make([]ConversationTurn, len(conv.Turns))
		prompts := make([]UserPrompt, 0, len(conv.Turns))
		for i, t := range conv.Turns {
			turns[i] = ConversationTurn{
				ConversationID: conv.ID,
				Ordinal:        i,
				Prompt:         t.Prompt,
				Stdout:         t.Stdout,
				Stderr:         t.Stderr,
				FinalOutput:    t.FinalOutput,
			}
			if t.Prompt != "" {
				prompts = append(prompts, UserPrompt{
					SessionID:    conv.ID,
					PromptNumber: i + 1,
					PromptText:   t.Prompt,
				})
			}
		}
		if err := tx.Create(&turns).Error; err != nil {
			return fmt.Errorf("insert turns: %w", err)
		}
		if len(prompts) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "prompt_number"}},
			DoUpdates: clause.AssignmentColumns([]string{"prompt_text"}),
		}).Create(&prompts).Error
	})
}

// GetConversation loads a conversation with its turns. Returns nil if not found.
func (s *ConversationStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var header Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&header).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var turns []ConversationTurn
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", id).
		Order("ordinal ASC").
		Find(&turns).Error; err != nil {
		return nil, err
	}

	conv := toModelConversation(&header)
	conv.Turns = make([]models.Turn, len(turns))
	for i, t := range turns {
		conv.Turns[i] = models.Turn{
			Prompt:      t.Prompt,
			Stdout:      t.Stdout,
			Stderr:      t.Stderr,
			FinalOutput: t.FinalOutput,
		}
	}
	return conv, nil
}

// ListEligible returns sessions ready for extraction, most recently updated first.
func (s *ConversationStore) ListEligible(ctx context.Context, f models.EligibilityFilter) ([]models.SessionRef, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}

	query := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("category <> ?", models.CategoryInternal).
		Where("turn_count >= 1")
	if f.MaxAgeDays > 0 {
		query = query.Where("updated_at_epoch >= ?", now.Add(-time.Duration(f.MaxAgeDays)*24*time.Hour).UnixMilli())
	}
	if f.MinIdleHours > 0 {
		query = query.Where("updated_at_epoch <= ?", now.Add(-time.Duration(f.MinIdleHours)*time.Hour).UnixMilli())
	}
	if f.ExcludeSessionID != "" {
		query = query.Where("id <> ?", f.ExcludeSessionID)
	}

	var rows []Conversation
	if err := query.Order("updated_at_epoch DESC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	refs := make([]models.SessionRef, 0, len(rows))
	for _, row := range rows {
		if excludedProject(row.Project, f.ExcludeProjects) {
			continue
		}
		refs = append(refs, models.SessionRef{
			ID:        row.ID,
			Project:   row.Project,
			TurnCount: row.TurnCount,
			UpdatedAt: fromMillis(row.UpdatedAtEpoch),
		})
		if f.Limit > 0 && len(refs) >= f.Limit {
			break
		}
	}
	return refs, nil
}

// ListUpdatedSince returns conversation headers (without turns) updated after since.
func (s *ConversationStore) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]*models.Conversation, error) {
	var rows []Conversation
	query := s.db.WithContext(ctx).
		Where("updated_at_epoch >= ?", toMillis(since)).
		Where("category <> ?", models.CategoryInternal).
		Order("updated_at_epoch DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*models.Conversation, len(rows))
	for i := range rows {
		out[i] = toModelConversation(&rows[i])
	}
	return out, nil
}

func excludedProject(project string, globs []string) bool {
	for _, pattern := range globs {
		match, err := doublestar.Match(pattern, project)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid project exclusion glob")
			continue
		}
		if match {
			return true
		}
	}
	return false
}

func toModelConversation(c *Conversation) *models.Conversation {
	return &models.Conversation{
		ID:        c.ID,
		Project:   c.Project,
		Title:     c.Title,
		Category:  c.Category,
		CreatedAt: fromMillis(c.CreatedAtEpoch),
		UpdatedAt: fromMillis(c.UpdatedAtEpoch),
	}
}
