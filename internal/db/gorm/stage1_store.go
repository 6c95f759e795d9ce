// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/memforge/pkg/models"
)

// Stage1Store persists extraction outputs.
type Stage1Store struct {
	db *gorm.DB
}

// NewStage1Store creates a new Stage1Output store.
func NewStage1Store(store *Store) *Stage1Store {
	return &Stage1Store{db: store.DB}
}

// Upsert inserts or overwrites the output for a thread.
func (s *Stage1Store) Upsert(ctx context.Context, out models.Stage1Output) error {
	row := &Stage1Output{
		ThreadID:         out.ThreadID,
		SourceUpdatedAt:  out.SourceUpdatedAt,
		RawMemory:        out.RawMemory,
		RolloutSummary:   out.RolloutSummary,
		GeneratedAtEpoch: toMillis(out.GeneratedAt),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"source_updated_at", "raw_memory", "rollout_summary", "generated_at_epoch"}),
	}).Create(row).Error
}

// Get returns the output for a thread, or nil if none exists.
func (s *Stage1Store) Get(ctx context.Context, threadID string) (*models.Stage1Output, error) {
	var row Stage1Output
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := toModelStage1(&row)
	return &out, nil
}

// ListGeneratedSince returns outputs generated after since, newest first.
func (s *Stage1Store) ListGeneratedSince(ctx context.Context, since time.Time, limit int) ([]models.Stage1Output, error) {
	var rows []Stage1Output
	query := s.db.WithContext(ctx).
		Where("generated_at_epoch >= ?", toMillis(since)).
		Order("generated_at_epoch DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]models.Stage1Output, len(rows))
	for i := range rows {
		out[i] = toModelStage1(&rows[i])
	}
	return out, nil
}

func toModelStage1(row *Stage1Output) models.Stage1Output {
	return models.Stage1Output{
		ThreadID:        row.ThreadID,
		SourceUpdatedAt: row.SourceUpdatedAt,
		RawMemory:       row.RawMemory,
		RolloutSummary:  row.RolloutSummary,
		GeneratedAt:     fromMillis(row.GeneratedAtEpoch),
	}
}
