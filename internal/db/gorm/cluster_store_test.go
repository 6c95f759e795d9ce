package gorm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/memforge/pkg/models"
)

func members(ids ...string) []models.ClusterMember {
	out := make([]models.ClusterMember, len(ids))
	for i, id := range ids {
		out[i] = models.ClusterMember{SessionID: id, SessionType: models.SessionTypeNative, RelevanceScore: 0.5}
	}
	return out
}

func memberIDs(ms []models.ClusterMember) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.SessionID
	}
	return out
}

func TestClusterStore_CreateAndList(t *testing.T) {
	store := testStore(t)
	clusters := NewClusterStore(store)
	ctx := context.Background()

	c := &models.SessionCluster{Name: "Fix: auth", Intent: "Fix"}
	require.NoError(t, clusters.CreateCluster(ctx, c, members("a", "b")))
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, models.ClusterStatusActive, c.Status)
	assert.False(t, c.CreatedAt.IsZero())

	got, err := clusters.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Fix: auth", got.Name)

	ms, err := clusters.Members(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, memberIDs(ms))
	assert.Equal(t, 0, ms[0].SequenceOrder)
	assert.Equal(t, 1, ms[1].SequenceOrder)

	active, err := clusters.ListClusters(ctx, models.ClusterStatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	archived, err := clusters.ListClusters(ctx, models.ClusterStatusArchived)
	require.NoError(t, err)
	assert.Empty(t, archived)

	clustered, err := clusters.ClusteredSessionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": true}, clustered)

	missing, err := clusters.GetCluster(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClusterStore_AddMembers(t *testing.T) {
	store := testStore(t)
	clusters := NewClusterStore(store)
	ctx := context.Background()

	c := &models.SessionCluster{Name: "c"}
	require.NoError(t, clusters.CreateCluster(ctx, c, members("a", "b")))

	added, err := clusters.AddMembers(ctx, c.ID, members("b", "c", "c", "d"))
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	ms, err := clusters.Members(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, memberIDs(ms))
	assert.Equal(t, 3, ms[3].SequenceOrder)

	added, err = clusters.AddMembers(ctx, c.ID, members("a"))
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestClusterStore_MergeClusters(t *testing.T) {
	store := testStore(t)
	clusters := NewClusterStore(store)
	ctx := context.Background()

	target := &models.SessionCluster{Name: "target"}
	source := &models.SessionCluster{Name: "source"}
	require.NoError(t, clusters.CreateCluster(ctx, target, members("a", "b")))
	require.NoError(t, clusters.CreateCluster(ctx, source, members("b", "c")))

	moved, err := clusters.MergeClusters(ctx, target.ID, source.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	ms, err := clusters.Members(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, memberIDs(ms))

	gone, err := clusters.GetCluster(ctx, source.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	moved, err = clusters.MergeClusters(ctx, target.ID, target.ID)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestClusterStore_MergeClusters_AppendsAfterHighestSequence(t *testing.T) {
	store := testStore(t)
	clusters := NewClusterStore(store)
	ctx := context.Background()

	target := &models.SessionCluster{Name: "target"}
	source := &models.SessionCluster{Name: "source"}
	require.NoError(t, clusters.CreateCluster(ctx, target, members("a", "b")))
	require.NoError(t, clusters.CreateCluster(ctx, source, members("c", "d")))

	// Leave a gap: two members, highest sequence 5.
	require.NoError(t, store.DB.Model(&ClusterMember{}).
		Where("cluster_id = ? AND session_id = ?", target.ID, "b").
		Update("sequence_order", 5).Error)

	moved, err := clusters.MergeClusters(ctx, target.ID, source.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	ms, err := clusters.Members(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, memberIDs(ms))
	seqs := make([]int, len(ms))
	for i, m := range ms {
		seqs[i] = m.SequenceOrder
	}
	assert.Equal(t, []int{0, 5, 6, 7}, seqs)
}

func TestClusterStore_DeleteEmptyClusters(t *testing.T) {
	store := testStore(t)
	clusters := NewClusterStore(store)
	ctx := context.Background()

	full := &models.SessionCluster{Name: "full"}
	empty := &models.SessionCluster{Name: "empty"}
	require.NoError(t, clusters.CreateCluster(ctx, full, members("a")))
	require.NoError(t, clusters.CreateCluster(ctx, empty, nil))

	deleted, err := clusters.DeleteEmptyClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	all, err := clusters.ListClusters(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, full.ID, all[0].ID)
}

func TestClusterStore_UpdateAndLastActivity(t *testing.T) {
	store := testStore(t)
	clusters := NewClusterStore(store)
	ctx := context.Background()

	last, err := clusters.LastActivity(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	created := time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond)
	c := &models.SessionCluster{Name: "c", CreatedAt: created, UpdatedAt: created}
	require.NoError(t, clusters.CreateCluster(ctx, c, members("a")))

	last, err = clusters.LastActivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.UnixMilli(), last.UnixMilli())

	c.Status = models.ClusterStatusArchived
	c.Description = "archived"
	require.NoError(t, clusters.UpdateCluster(ctx, c))

	got, err := clusters.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClusterStatusArchived, got.Status)
	assert.Equal(t, "archived", got.Description)

	last, err = clusters.LastActivity(ctx)
	require.NoError(t, err)
	assert.True(t, last.After(created))

	byCluster, err := clusters.MembersByCluster(ctx)
	require.NoError(t, err)
	assert.Len(t, byCluster[c.ID], 1)
}
