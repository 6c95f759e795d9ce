// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/memforge/pkg/models"
)

// WorkflowStore persists recorded workflow runs.
type WorkflowStore struct {
	db *gorm.DB
}

// NewWorkflowStore creates a new workflow store.
func NewWorkflowStore(store *Store) *WorkflowStore {
	return &WorkflowStore{db: store.DB}
}

// Save inserts or replaces a workflow.
func (s *WorkflowStore) Save(ctx context.Context, wf *models.Workflow) error {
	row := &Workflow{
		ID:             wf.ID,
		Name:           wf.Name,
		Description:    wf.Description,
		Steps:          models.JSONStringArray(wf.Steps),
		CreatedAtEpoch: toMillis(wf.CreatedAt),
		UpdatedAtEpoch: toMillis(wf.UpdatedAt),
	}
	if row.CreatedAtEpoch == 0 {
		row.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if row.UpdatedAtEpoch == 0 {
		row.UpdatedAtEpoch = row.CreatedAtEpoch
	}
	return s.db.WithContext(ctx).Save(row).Error
}

// ListUpdatedSince returns workflows updated after since, newest first.
func (s *WorkflowStore) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]*models.Workflow, error) {
	var rows []Workflow
	query := s.db.WithContext(ctx).
		Where("updated_at_epoch >= ?", toMillis(since)).
		Order("updated_at_epoch DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Workflow, len(rows))
	for i, row := range rows {
		out[i] = &models.Workflow{
			ID:          row.ID,
			Name:        row.Name,
			Description: row.Description,
			Steps:       []string(row.Steps),
			CreatedAt:   fromMillis(row.CreatedAtEpoch),
			UpdatedAt:   fromMillis(row.UpdatedAtEpoch),
		}
	}
	return out, nil
}
