// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/memforge/pkg/models"
)

// heatHalfLife is the time for an entity's heat to halve without new mentions.
const heatHalfLife = 7 * 24 * time.Hour

// EntityStore tracks entity mentions and their heat.
type EntityStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewEntityStore creates a new entity heat store.
func NewEntityStore(store *Store) *EntityStore {
	return &EntityStore{db: store.DB, now: time.Now}
}

// decayHeat applies exponential decay over the elapsed duration.
func decayHeat(heat float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return heat
	}
	return heat * math.Pow(0.5, float64(elapsed)/float64(heatHalfLife))
}

// NormalizeEntity lowercases and trims an entity value.
func NormalizeEntity(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// RecordMentions registers one mention of each value at the given time.
// Heat decays since the previous mention and then grows by one.
func (s *EntityStore) RecordMentions(ctx context.Context, kind string, values []string, at time.Time) error {
	seen := make(map[string]bool, len(values))
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, raw := range values {
			value := NormalizeEntity(raw)
			if value == "" || seen[value] {
				continue
			}
			seen[value] = true

			var ent Entity
			err := tx.Where("normalized_value = ?", value).First(&ent).Error
			if err == gorm.ErrRecordNotFound {
				ent = Entity{
					NormalizedValue: value,
					Kind:            kind,
					MentionCount:    1,
					HeatScore:       1,
					LastSeenAtEpoch: at.UnixMilli(),
				}
				if err := tx.Create(&ent).Error; err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			elapsed := at.Sub(fromMillis(ent.LastSeenAtEpoch))
			ent.HeatScore = decayHeat(ent.HeatScore, elapsed) + 1
			ent.MentionCount++
			if at.UnixMilli() > ent.LastSeenAtEpoch {
				ent.LastSeenAtEpoch = at.UnixMilli()
			}
			if err := tx.Save(&ent).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetHotEntities returns the hottest entities with heat decayed to now.
func (s *EntityStore) GetHotEntities(ctx context.Context, limit int) ([]models.HotEntity, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []Entity
	// Over-fetch so decay can reorder entities whose stored heat is stale.
	if err := s.db.WithContext(ctx).
		Order("heat_score DESC").
		Limit(limit * 3).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]models.HotEntity, len(rows))
	for i, row := range rows {
		lastSeen := fromMillis(row.LastSeenAtEpoch)
		out[i] = models.HotEntity{
			NormalizedValue: row.NormalizedValue,
			Kind:            row.Kind,
			MentionCount:    row.MentionCount,
			HeatScore:       decayHeat(row.HeatScore, now.Sub(lastSeen)),
			LastSeenAt:      lastSeen,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].HeatScore > out[j].HeatScore
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
