// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/memforge/pkg/models"
)

// ClusterStore persists session clusters and their members.
type ClusterStore struct {
	db *gorm.DB
}

// NewClusterStore creates a new cluster store.
func NewClusterStore(store *Store) *ClusterStore {
	return &ClusterStore{db: store.DB}
}

// CreateCluster inserts a cluster with its initial members. Assigns an id when empty.
func (s *ClusterStore) CreateCluster(ctx context.Context, cluster *models.SessionCluster, members []models.ClusterMember) error {
	if cluster.ID == "" {
		cluster.ID = uuid.NewString()
	}
	row := &SessionCluster{
		ID:             cluster.ID,
		Name:           cluster.Name,
		Description:    cluster.Description,
		Intent:         cluster.Intent,
		Status:         cluster.Status,
		CreatedAtEpoch: toMillis(cluster.CreatedAt),
		UpdatedAtEpoch: toMillis(cluster.UpdatedAt),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert cluster: %w", err)
		}
		return insertMembers(tx, cluster.ID, members, 0)
	})
	if err != nil {
		return err
	}
	cluster.Status = row.Status
	cluster.CreatedAt = fromMillis(row.CreatedAtEpoch)
	cluster.UpdatedAt = fromMillis(row.UpdatedAtEpoch)
	return nil
}

// insertMembers adds members after the given sequence offset, skipping sessions already present.
func insertMembers(tx *gorm.DB, clusterID string, members []models.ClusterMember, offset int) error {
	if len(members) == 0 {
		return nil
	}
	rows := make([]ClusterMember, len(members))
	for i, m := range members {
		rows[i] = ClusterMember{
			ClusterID:      clusterID,
			SessionID:      m.SessionID,
			SessionType:    m.SessionType,
			SequenceOrder:  offset + i,
			RelevanceScore: m.RelevanceScore,
		}
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// nextSequence is one past the highest sequence_order in the cluster.
func nextSequence(tx *gorm.DB, clusterID string) (int, error) {
	var maxSeq struct{ Max int }
	err := tx.Model(&ClusterMember{}).
		Select("COALESCE(MAX(sequence_order), -1) AS max").
		Where("cluster_id = ?", clusterID).
		Scan(&maxSeq).Error
	return maxSeq.Max + 1, err
}

// GetCluster returns a cluster by id, or nil if not found.
func (s *ClusterStore) GetCluster(ctx context.Context, id string) (*models.SessionCluster, error) {
	var row SessionCluster
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := toModelCluster(&row)
	return &c, nil
}

// ListClusters returns clusters oldest first. An empty status lists every cluster.
func (s *ClusterStore) ListClusters(ctx context.Context, status models.ClusterStatus) ([]models.SessionCluster, error) {
	var rows []SessionCluster
	query := s.db.WithContext(ctx).Order("created_at_epoch ASC").Order("id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.SessionCluster, len(rows))
	for i := range rows {
		out[i] = toModelCluster(&rows[i])
	}
	return out, nil
}

// Members returns the members of a cluster in sequence order.
func (s *ClusterStore) Members(ctx context.Context, clusterID string) ([]models.ClusterMember, error) {
	var rows []ClusterMember
	if err := s.db.WithContext(ctx).
		Where("cluster_id = ?", clusterID).
		Order("sequence_order ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModelMembers(rows), nil
}

// MembersByCluster returns all memberships grouped by cluster id.
func (s *ClusterStore) MembersByCluster(ctx context.Context) (map[string][]models.ClusterMember, error) {
	var rows []ClusterMember
	if err := s.db.WithContext(ctx).
		Order("cluster_id ASC, sequence_order ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]models.ClusterMember)
	for _, m := range toModelMembers(rows) {
		out[m.ClusterID] = append(out[m.ClusterID], m)
	}
	return out, nil
}

// ClusteredSessionIDs returns the set of sessions that belong to any cluster.
func (s *ClusterStore) ClusteredSessionIDs(ctx context.Context) (map[string]bool, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&ClusterMember{}).
		Distinct("session_id").
		Pluck("session_id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// AddMembers appends members to a cluster, skipping sessions already in it,
// and bumps the cluster's updated timestamp. Returns the number added.
func (s *ClusterStore) AddMembers(ctx context.Context, clusterID string, members []models.ClusterMember) (int, error) {
	added := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&ClusterMember{}).
			Where("cluster_id = ?", clusterID).
			Pluck("session_id", &existing).Error; err != nil {
			return err
		}
		present := make(map[string]bool, len(existing))
		for _, id := range existing {
			present[id] = true
		}

		fresh := make([]models.ClusterMember, 0, len(members))
		for _, m := range members {
			if present[m.SessionID] {
				continue
			}
			present[m.SessionID] = true
			fresh = append(fresh, m)
		}
		if len(fresh) == 0 {
			return nil
		}

		next, err := nextSequence(tx, clusterID)
		if err != nil {
			return err
		}
		if err := insertMembers(tx, clusterID, fresh, next); err != nil {
			return err
		}
		added = len(fresh)
		return touchCluster(tx, clusterID)
	})
	return added, err
}

// MergeClusters moves every member of source into target and deletes source.
// Returns the number of sessions newly added to target.
func (s *ClusterStore) MergeClusters(ctx context.Context, targetID, sourceID string) (int, error) {
	if targetID == sourceID {
		return 0, nil
	}
	moved := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sourceMembers []ClusterMember
		if err := tx.Where("cluster_id = ?", sourceID).Order("sequence_order ASC").Find(&sourceMembers).Error; err != nil {
			return err
		}
		var targetIDs []string
		if err := tx.Model(&ClusterMember{}).Where("cluster_id = ?", targetID).Pluck("session_id", &targetIDs).Error; err != nil {
			return err
		}
		present := make(map[string]bool, len(targetIDs))
		for _, id := range targetIDs {
			present[id] = true
		}

		var fresh []models.ClusterMember
		for _, m := range toModelMembers(sourceMembers) {
			if !present[m.SessionID] {
				present[m.SessionID] = true
				fresh = append(fresh, m)
			}
		}
		next, err := nextSequence(tx, targetID)
		if err != nil {
			return err
		}
		if err := insertMembers(tx, targetID, fresh, next); err != nil {
			return err
		}
		moved = len(fresh)

		if err := tx.Where("cluster_id = ?", sourceID).Delete(&ClusterMember{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", sourceID).Delete(&SessionCluster{}).Error; err != nil {
			return err
		}
		return touchCluster(tx, targetID)
	})
	return moved, err
}

// DeleteEmptyClusters removes clusters that have no members.
func (s *ClusterStore) DeleteEmptyClusters(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("id NOT IN (?)", s.db.Model(&ClusterMember{}).Select("cluster_id")).
		Delete(&SessionCluster{})
	return res.RowsAffected, res.Error
}

// UpdateCluster rewrites the descriptive fields and status of a cluster.
func (s *ClusterStore) UpdateCluster(ctx context.Context, c *models.SessionCluster) error {
	return s.db.WithContext(ctx).
		Model(&SessionCluster{}).
		Where("id = ?", c.ID).
		Updates(map[string]interface{}{
			"name":             c.Name,
			"description":      c.Description,
			"intent":           c.Intent,
			"status":           c.Status,
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
}

// LastActivity returns the most recent cluster create/update time, or zero if none exist.
func (s *ClusterStore) LastActivity(ctx context.Context) (time.Time, error) {
	var latest struct{ Latest int64 }
	if err := s.db.WithContext(ctx).
		Model(&SessionCluster{}).
		Select("COALESCE(MAX(CASE WHEN updated_at_epoch > created_at_epoch THEN updated_at_epoch ELSE created_at_epoch END), 0) AS latest").
		Scan(&latest).Error; err != nil {
		return time.Time{}, err
	}
	return fromMillis(latest.Latest), nil
}

func touchCluster(tx *gorm.DB, clusterID string) error {
	return tx.Model(&SessionCluster{}).
		Where("id = ?", clusterID).
		Update("updated_at_epoch", time.Now().UnixMilli()).Error
}

func toModelCluster(row *SessionCluster) models.SessionCluster {
	return models.SessionCluster{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Intent:      row.Intent,
		Status:      row.Status,
		CreatedAt:   fromMillis(row.CreatedAtEpoch),
		UpdatedAt:   fromMillis(row.UpdatedAtEpoch),
	}
}

func toModelMembers(rows []ClusterMember) []models.ClusterMember {
	out := make([]models.ClusterMember, len(rows))
	for i, r := range rows {
		out[i] = models.ClusterMember{
			ClusterID:      r.ClusterID,
			SessionID:      r.SessionID,
			SessionType:    r.SessionType,
			SequenceOrder:  r.SequenceOrder,
			RelevanceScore: r.RelevanceScore,
		}
	}
	return out
}
