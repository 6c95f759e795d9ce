// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/memforge/pkg/models"
)

// MemoryStore persists durable knowledge entries.
type MemoryStore struct {
	db *gorm.DB
}

// NewMemoryStore creates a new memory store.
func NewMemoryStore(store *Store) *MemoryStore {
	return &MemoryStore{db: store.DB}
}

// Create stores a memory, assigning an id when none is set. Returns the id.
func (s *MemoryStore) Create(ctx context.Context, mem *models.Memory) (string, error) {
	if mem.Content == "" {
		return "", fmt.Errorf("memory content is required")
	}
	id := mem.ID
	if id == "" {
		id = uuid.NewString()
	}
	row := &Memory{
		ID:             id,
		Content:        mem.Content,
		Category:       mem.Category,
		SourceType:     mem.SourceType,
		SourceID:       mem.SourceID,
		Metadata:       models.JSONMap(mem.Metadata),
		CreatedAtEpoch: toMillis(mem.CreatedAt),
	}
	if row.CreatedAtEpoch == 0 {
		row.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return "", err
	}
	mem.ID = id
	mem.CreatedAt = fromMillis(row.CreatedAtEpoch)
	return id, nil
}

// Get returns a memory by id, or nil if not found.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Memory, error) {
	var row Memory
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelMemory(&row), nil
}

// ListByCategory returns memories of a category, newest first.
func (s *MemoryStore) ListByCategory(ctx context.Context, category string, limit int) ([]*models.Memory, error) {
	var rows []Memory
	query := s.db.WithContext(ctx).Where("category = ?", category).Order("created_at_epoch DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Memory, len(rows))
	for i := range rows {
		out[i] = toModelMemory(&rows[i])
	}
	return out, nil
}

// FindBySource returns the memory recorded for a source, or nil.
func (s *MemoryStore) FindBySource(ctx context.Context, category, sourceID string) (*models.Memory, error) {
	var row Memory
	err := s.db.WithContext(ctx).
		Where("category = ? AND source_id = ?", category, sourceID).
		Order("created_at_epoch DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelMemory(&row), nil
}

func toModelMemory(row *Memory) *models.Memory {
	return &models.Memory{
		ID:         row.ID,
		Content:    row.Content,
		Category:   row.Category,
		SourceType: row.SourceType,
		SourceID:   row.SourceID,
		Metadata:   map[string]any(row.Metadata),
		CreatedAt:  fromMillis(row.CreatedAtEpoch),
	}
}
