// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/memforge/pkg/models"
)

// ChunkStore persists indexed chunks and their embeddings.
type ChunkStore struct {
	db *gorm.DB
}

// NewChunkStore creates a new chunk store.
func NewChunkStore(store *Store) *ChunkStore {
	return &ChunkStore{db: store.DB}
}

// ReplaceChunks atomically replaces every chunk of a source.
func (s *ChunkStore) ReplaceChunks(ctx context.Context, sourceID string, chunks []models.Chunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source_id = ?", sourceID).Delete(&Chunk{}).Error; err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		rows := make([]Chunk, len(chunks))
		for i, c := range chunks {
			rows[i] = Chunk{
				SourceID:       sourceID,
				ChunkIndex:     c.ChunkIndex,
				SourceType:     c.SourceType,
				Category:       c.Category,
				Content:        c.Content,
				Embedding:      EncodeEmbedding(c.Embedding),
				CreatedAtEpoch: toMillis(c.CreatedAt),
			}
		}
		return tx.Create(&rows).Error
	})
}

// GetChunks returns the chunks of a source ordered by chunk index.
func (s *ChunkStore) GetChunks(ctx context.Context, sourceID string) ([]models.Chunk, error) {
	var rows []Chunk
	if err := s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("chunk_index ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Chunk, len(rows))
	for i := range rows {
		out[i] = toModelChunk(&rows[i])
	}
	return out, nil
}

// GetChunksBySources returns chunks grouped by source id.
func (s *ChunkStore) GetChunksBySources(ctx context.Context, sourceIDs []string) (map[string][]models.Chunk, error) {
	out := make(map[string][]models.Chunk, len(sourceIDs))
	if len(sourceIDs) == 0 {
		return out, nil
	}
	var rows []Chunk
	if err := s.db.WithContext(ctx).
		Where("source_id IN ?", sourceIDs).
		Order("source_id ASC, chunk_index ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].SourceID] = append(out[rows[i].SourceID], toModelChunk(&rows[i]))
	}
	return out, nil
}

func toModelChunk(row *Chunk) models.Chunk {
	return models.Chunk{
		SourceID:   row.SourceID,
		SourceType: row.SourceType,
		Category:   row.Category,
		Content:    row.Content,
		ChunkIndex: row.ChunkIndex,
		Embedding:  DecodeEmbedding(row.Embedding),
		CreatedAt:  fromMillis(row.CreatedAtEpoch),
	}
}
