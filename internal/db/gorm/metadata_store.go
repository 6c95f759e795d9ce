// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/memforge/pkg/models"
)

// MetadataStore caches normalized session metadata.
type MetadataStore struct {
	db *gorm.DB
}

// NewMetadataStore creates a new session metadata cache store.
func NewMetadataStore(store *Store) *MetadataStore {
	return &MetadataStore{db: store.DB}
}

// Upsert writes metadata for a session, preserving its access statistics.
func (s *MetadataStore) Upsert(ctx context.Context, meta models.SessionMetadata) error {
	row := &SessionMetadataCache{
		SessionID:         meta.SessionID,
		SessionType:       meta.SessionType,
		Title:             meta.Title,
		Summary:           meta.Summary,
		Keywords:          models.JSONStringArray(meta.Keywords),
		FilePatterns:      models.JSONStringArray(meta.FilePatterns),
		TokenEstimate:     meta.TokenEstimate,
		SourceUpdatedAt:   meta.SourceUpdatedAt,
		CreatedAtEpoch:    toMillis(meta.CreatedAt),
		LastAccessedEpoch: toMillis(meta.LastAccessed),
		AccessCount:       meta.AccessCount,
	}
	if row.CreatedAtEpoch == 0 {
		row.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"session_type", "title", "summary", "keywords", "file_patterns",
			"token_estimate", "source_updated_at", "created_at_epoch",
		}),
	}).Create(row).Error
}

// Get returns cached metadata for a session, or nil if absent.
func (s *MetadataStore) Get(ctx context.Context, sessionID string) (*models.SessionMetadata, error) {
	var row SessionMetadataCache
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	meta := toModelMetadata(&row)
	return &meta, nil
}

// GetMany returns cached metadata keyed by session id. Missing ids are omitted.
func (s *MetadataStore) GetMany(ctx context.Context, sessionIDs []string) (map[string]models.SessionMetadata, error) {
	out := make(map[string]models.SessionMetadata, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	var rows []SessionMetadataCache
	if err := s.db.WithContext(ctx).Where("session_id IN ?", sessionIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].SessionID] = toModelMetadata(&rows[i])
	}
	return out, nil
}

// ListCreatedSince returns metadata for sessions created after since, newest first.
func (s *MetadataStore) ListCreatedSince(ctx context.Context, since time.Time, limit int) ([]models.SessionMetadata, error) {
	var rows []SessionMetadataCache
	query := s.db.WithContext(ctx).
		Where("created_at_epoch >= ?", toMillis(since)).
		Order("created_at_epoch DESC").
		Order("session_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.SessionMetadata, len(rows))
	for i := range rows {
		out[i] = toModelMetadata(&rows[i])
	}
	return out, nil
}

// Touch records an access to each session.
func (s *MetadataStore) Touch(ctx context.Context, sessionIDs []string, at time.Time) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&SessionMetadataCache{}).
		Where("session_id IN ?", sessionIDs).
		Updates(map[string]interface{}{
			"access_count":        gorm.Expr("access_count + 1"),
			"last_accessed_epoch": at.UnixMilli(),
		}).Error
}

func toModelMetadata(row *SessionMetadataCache) models.SessionMetadata {
	return models.SessionMetadata{
		SessionID:       row.SessionID,
		SessionType:     row.SessionType,
		Title:           row.Title,
		Summary:         row.Summary,
		Keywords:        []string(row.Keywords),
		FilePatterns:    []string(row.FilePatterns),
		TokenEstimate:   row.TokenEstimate,
		SourceUpdatedAt: row.SourceUpdatedAt,
		CreatedAt:       fromMillis(row.CreatedAtEpoch),
		LastAccessed:    fromMillis(row.LastAccessedEpoch),
		AccessCount:     row.AccessCount,
	}
}
