// Package clustering groups related sessions by a weighted relevance model.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/memforge/internal/config"
	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/pkg/models"
	"github.com/thebtf/memforge/pkg/similarity"
)

// ErrClusterNotFound is returned when an operation names an unknown cluster.
var ErrClusterNotFound = errors.New("cluster not found")

// MetadataSource provides normalized session metadata.
type MetadataSource interface {
	GetMany(ctx context.Context, ids []string) (map[string]models.SessionMetadata, error)
	Recent(ctx context.Context, since time.Time, limit int) ([]models.SessionMetadata, error)
}

// ClusterRepository persists clusters and memberships.
type ClusterRepository interface {
	CreateCluster(ctx context.Context, cluster *models.SessionCluster, members []models.ClusterMember) error
	GetCluster(ctx context.Context, id string) (*models.SessionCluster, error)
	ListClusters(ctx context.Context, status models.ClusterStatus) ([]models.SessionCluster, error)
	Members(ctx context.Context, clusterID string) ([]models.ClusterMember, error)
	MembersByCluster(ctx context.Context) (map[string][]models.ClusterMember, error)
	ClusteredSessionIDs(ctx context.Context) (map[string]bool, error)
	AddMembers(ctx context.Context, clusterID string, members []models.ClusterMember) (int, error)
	MergeClusters(ctx context.Context, targetID, sourceID string) (int, error)
	DeleteEmptyClusters(ctx context.Context) (int64, error)
	UpdateCluster(ctx context.Context, c *models.SessionCluster) error
	LastActivity(ctx context.Context) (time.Time, error)
}

// ChunkSource returns the indexed chunks of a session.
type ChunkSource interface {
	GetChunks(ctx context.Context, sourceID string) ([]models.Chunk, error)
}

// NeighborSearcher queries the ANN index by vector.
type NeighborSearcher interface {
	SearchByVector(ctx context.Context, vec []float32, opts vector.SearchOptions) ([]vector.Match, error)
}

// Options tunes clustering.
type Options struct {
	Threshold              float64
	MinClusterSize         int
	MinHoursBetweenRuns    int
	MinUnclusteredSessions int
	LookbackDays           int
	MaxBatchSessions       int
	// MergeOverlap is the share of a new group already in an existing cluster
	// above which the group joins that cluster.
	MergeOverlap float64
	// DedupOverlap is the overlap ratio of the smaller cluster that makes two
	// clusters duplicates.
	DedupOverlap float64
	// SampleSize bounds the members compared per cluster in incremental mode.
	SampleSize int
}

// DefaultOptions returns the options matching config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig maps configuration onto clustering options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Threshold:              cfg.ClusterThreshold,
		MinClusterSize:         cfg.MinClusterSize,
		MinHoursBetweenRuns:    cfg.ClusterMinHoursBetween,
		MinUnclusteredSessions: cfg.ClusterMinUnclustered,
		LookbackDays:           cfg.ClusterLookbackDays,
		MaxBatchSessions:       cfg.ClusterMaxBatchSessions,
		MergeOverlap:           0.7,
		DedupOverlap:           0.5,
		SampleSize:             5,
	}
}

// Service maintains session clusters.
type Service struct {
	metadata  MetadataSource
	clusters  ClusterRepository
	chunks    ChunkSource
	neighbors NeighborSearcher
	opts      Options
	now       func() time.Time

	// mu serializes membership writes so a session never lands in two clusters.
	mu sync.Mutex
}

// NewService creates a clustering service. chunks and neighbors may be nil,
// in which case the vector signal is always 0.
func NewService(metadata MetadataSource, clusters ClusterRepository, chunks ChunkSource, neighbors NeighborSearcher, opts Options) *Service {
	if opts.MinClusterSize < 1 {
		opts.MinClusterSize = 1
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 5
	}
	return &Service{
		metadata:  metadata,
		clusters:  clusters,
		chunks:    chunks,
		neighbors: neighbors,
		opts:      opts,
		now:       time.Now,
	}
}

// BatchOptions scopes a batch clustering run.
type BatchOptions struct {
	// Since overrides the lookback window when non-zero.
	Since time.Time
	// Limit overrides Options.MaxBatchSessions when positive.
	Limit int
}

// BatchClusterResult summarizes a batch run.
type BatchClusterResult struct {
	CreatedIDs []string `json:"created_ids"`
	MergedIDs  []string `json:"merged_ids"`
	Considered int      `json:"considered"`
	Clustered  int      `json:"clustered"`
	Discarded  int      `json:"discarded"`
}

// IncrementalResult reports where new sessions went.
type IncrementalResult struct {
	Joined      map[string]string `json:"joined"`
	Unclustered []string          `json:"unclustered"`
}

// DedupResult summarizes a deduplication pass.
type DedupResult struct {
	NameMerges    int   `json:"name_merges"`
	OverlapMerges int   `json:"overlap_merges"`
	DeletedEmpty  int64 `json:"deleted_empty"`
}

// ClusterSummary is a cluster with its member count.
type ClusterSummary struct {
	models.SessionCluster
	Size int `json:"size"`
}

func (s *Service) lookbackStart(now time.Time) time.Time {
	days := s.opts.LookbackDays
	if days <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -days)
}

// unclusteredRecent returns recent sessions that belong to no cluster,
// oldest first.
func (s *Service) unclusteredRecent(ctx context.Context, since time.Time, limit int) ([]models.SessionMetadata, error) {
	recent, err := s.metadata.Recent(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	clustered, err := s.clusters.ClusteredSessionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clustered sessions: %w", err)
	}
	out := make([]models.SessionMetadata, 0, len(recent))
	for _, m := range recent {
		if !clustered[m.SessionID] {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// ShouldRunBatch reports whether enough time has passed since the last
// cluster change and enough unclustered recent sessions have accumulated.
func (s *Service) ShouldRunBatch(ctx context.Context, now time.Time) (bool, error) {
	last, err := s.clusters.LastActivity(ctx)
	if err != nil {
		return false, fmt.Errorf("last cluster activity: %w", err)
	}
	minGap := time.Duration(s.opts.MinHoursBetweenRuns) * time.Hour
	if !last.IsZero() && now.Sub(last) < minGap {
		log.Debug().Time("last_activity", last).Msg("Clustering ran recently")
		return false, nil
	}

	pending, err := s.unclusteredRecent(ctx, s.lookbackStart(now), 0)
	if err != nil {
		return false, err
	}
	return len(pending) >= s.opts.MinUnclusteredSessions, nil
}

// ClusterBatch clusters the unclustered recent sessions. Each resulting group
// either joins an existing cluster it mostly overlaps or becomes a new one.
func (s *Service) ClusterBatch(ctx context.Context, opts BatchOptions) (*BatchClusterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	since := opts.Since
	if since.IsZero() {
		since = s.lookbackStart(now)
	}
	limit := s.opts.MaxBatchSessions
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	result := &BatchClusterResult{CreatedIDs: []string{}, MergedIDs: []string{}}
	candidates, err := s.unclusteredRecent(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	result.Considered = len(candidates)
	if len(candidates) < max(s.opts.MinClusterSize, 2) {
		return result, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.SessionID
	}
	cache, err := s.Preload(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("preload neighbors: %w", err)
	}

	matrix := make([][]float64, len(candidates))
	for i := range matrix {
		matrix[i] = make([]float64, len(candidates))
	}
	for i := range candidates {
		for j := i + 1; j < len(candidates); j++ {
			v := s.Relevance(ctx, cache, candidates[i], candidates[j])
			matrix[i][j], matrix[j][i] = v, v
		}
	}
	groups := agglomerate(len(candidates), func(i, j int) float64 { return matrix[i][j] }, s.opts.Threshold)

	membership, err := s.clusters.MembersByCluster(ctx)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	existing := memberSets(membership)

	for _, group := range groups {
		if len(group) < s.opts.MinClusterSize {
			result.Discarded += len(group)
			continue
		}
		members := make([]models.ClusterMember, len(group))
		metas := make([]models.SessionMetadata, len(group))
		for k, idx := range group {
			metas[k] = candidates[idx]
			members[k] = models.ClusterMember{
				SessionID:      candidates[idx].SessionID,
				SessionType:    candidates[idx].SessionType,
				RelevanceScore: averageLink(matrix, idx, group),
			}
		}

		if target := findMergeTarget(members, existing, s.opts.MergeOverlap); target != "" {
			fresh := nonMembers(members, existing[target])
			added, err := s.clusters.AddMembers(ctx, target, fresh)
			if err != nil {
				return result, fmt.Errorf("merge into cluster %s: %w", target, err)
			}
			for _, m := range fresh {
				existing[target][m.SessionID] = true
			}
			result.MergedIDs = append(result.MergedIDs, target)
			result.Clustered += added
			continue
		}

		name, intent, description := clusterName(metas)
		cluster := &models.SessionCluster{
			Name:        name,
			Intent:      intent,
			Description: description,
			Status:      models.ClusterStatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.clusters.CreateCluster(ctx, cluster, members); err != nil {
			return result, fmt.Errorf("create cluster %q: %w", name, err)
		}
		set := make(map[string]bool, len(members))
		for _, m := range members {
			set[m.SessionID] = true
		}
		existing[cluster.ID] = set
		result.CreatedIDs = append(result.CreatedIDs, cluster.ID)
		result.Clustered += len(members)
	}

	log.Info().
		Int("considered", result.Considered).
		Int("created", len(result.CreatedIDs)).
		Int("merged", len(result.MergedIDs)).
		Int("discarded", result.Discarded).
		Msg("Batch clustering finished")
	return result, nil
}

// averageLink is the mean relevance of one item to the rest of its group.
func averageLink(matrix [][]float64, idx int, group []int) float64 {
	if len(group) < 2 {
		return 0
	}
	sum := 0.0
	for _, other := range group {
		if other != idx {
			sum += matrix[idx][other]
		}
	}
	return sum / float64(len(group)-1)
}

func memberSets(membership map[string][]models.ClusterMember) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(membership))
	for id, ms := range membership {
		set := make(map[string]bool, len(ms))
		for _, m := range ms {
			set[m.SessionID] = true
		}
		out[id] = set
	}
	return out
}

// findMergeTarget returns the existing cluster holding the largest share of
// the group's sessions, if that share reaches minOverlap. Ties go to the
// lowest cluster id.
func findMergeTarget(group []models.ClusterMember, existing map[string]map[string]bool, minOverlap float64) string {
	if len(group) == 0 {
		return ""
	}
	ids := make([]string, 0, len(existing))
	for id := range existing {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best, bestShare := "", 0.0
	for _, id := range ids {
		shared := 0
		for _, m := range group {
			if existing[id][m.SessionID] {
				shared++
			}
		}
		share := float64(shared) / float64(len(group))
		if share > bestShare {
			best, bestShare = id, share
		}
	}
	if bestShare >= minOverlap {
		return best
	}
	return ""
}

func nonMembers(group []models.ClusterMember, present map[string]bool) []models.ClusterMember {
	out := make([]models.ClusterMember, 0, len(group))
	for _, m := range group {
		if !present[m.SessionID] {
			out = append(out, m)
		}
	}
	return out
}

// ClusterIncremental tries to place each new session in the active cluster
// whose sampled members it is most relevant to.
func (s *Service) ClusterIncremental(ctx context.Context, sessionIDs []string) (*IncrementalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &IncrementalResult{Joined: map[string]string{}, Unclustered: []string{}}
	if len(sessionIDs) == 0 {
		return result, nil
	}

	active, err := s.clusters.ListClusters(ctx, models.ClusterStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active clusters: %w", err)
	}
	membership, err := s.clusters.MembersByCluster(ctx)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	clustered := make(map[string]bool)
	for _, ms := range membership {
		for _, m := range ms {
			clustered[m.SessionID] = true
		}
	}

	pending := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if !clustered[id] {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return result, nil
	}

	samples := make(map[string][]string, len(active))
	sampleIDs := make([]string, 0)
	for _, c := range active {
		ids := sampleMembers(membership[c.ID], s.opts.SampleSize)
		samples[c.ID] = ids
		sampleIDs = append(sampleIDs, ids...)
	}

	metas, err := s.metadata.GetMany(ctx, append(append([]string(nil), pending...), sampleIDs...))
	if err != nil {
		return nil, fmt.Errorf("load session metadata: %w", err)
	}
	cache, err := s.Preload(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("preload neighbors: %w", err)
	}

	for _, id := range pending {
		meta, ok := metas[id]
		if !ok {
			log.Debug().Str("session_id", id).Msg("No metadata for session, leaving unclustered")
			result.Unclustered = append(result.Unclustered, id)
			continue
		}

		bestID, best := "", -1.0
		for _, c := range active {
			sum, n := 0.0, 0
			for _, mid := range samples[c.ID] {
				other, ok := metas[mid]
				if !ok {
					continue
				}
				sum += s.Relevance(ctx, cache, meta, other)
				n++
			}
			if n == 0 {
				continue
			}
			if avg := sum / float64(n); avg > best {
				bestID, best = c.ID, avg
			}
		}

		if bestID == "" || best < s.opts.Threshold {
			result.Unclustered = append(result.Unclustered, id)
			continue
		}
		if _, err := s.clusters.AddMembers(ctx, bestID, []models.ClusterMember{{
			SessionID:      id,
			SessionType:    meta.SessionType,
			RelevanceScore: best,
		}}); err != nil {
			return result, fmt.Errorf("join cluster %s: %w", bestID, err)
		}
		result.Joined[id] = bestID
		log.Debug().Str("session_id", id).Str("cluster_id", bestID).Float64("score", best).Msg("Session joined cluster")
	}

	log.Info().Int("joined", len(result.Joined)).Int("unclustered", len(result.Unclustered)).Msg("Incremental clustering finished")
	return result, nil
}

// sampleMembers takes up to n of the most recently added members.
func sampleMembers(members []models.ClusterMember, n int) []string {
	if len(members) > n {
		members = members[len(members)-n:]
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.SessionID
	}
	return out
}

// Deduplicate merges clusters with the same name, then clusters whose
// membership largely overlaps, and finally drops empty clusters. The oldest
// cluster of a merge survives.
func (s *Service) Deduplicate(ctx context.Context) (*DedupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &DedupResult{}

	all, err := s.clusters.ListClusters(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	targets := make(map[string]string)
	for _, c := range all {
		key := strings.ToLower(strings.TrimSpace(c.Name))
		target, ok := targets[key]
		if !ok {
			targets[key] = c.ID
			continue
		}
		if _, err := s.clusters.MergeClusters(ctx, target, c.ID); err != nil {
			return result, fmt.Errorf("merge cluster %s into %s: %w", c.ID, target, err)
		}
		result.NameMerges++
	}

	all, err = s.clusters.ListClusters(ctx, "")
	if err != nil {
		return result, fmt.Errorf("list clusters: %w", err)
	}
	membership, err := s.clusters.MembersByCluster(ctx)
	if err != nil {
		return result, fmt.Errorf("load memberships: %w", err)
	}
	sets := memberSets(membership)
	removed := make(map[string]bool)
	for i := range all {
		if removed[all[i].ID] {
			continue
		}
		for j := i + 1; j < len(all); j++ {
			a, b := all[i].ID, all[j].ID
			if removed[b] {
				continue
			}
			if similarity.OverlapRatio(sets[a], sets[b]) < s.opts.DedupOverlap {
				continue
			}
			if _, err := s.clusters.MergeClusters(ctx, a, b); err != nil {
				return result, fmt.Errorf("merge cluster %s into %s: %w", b, a, err)
			}
			if sets[a] == nil {
				sets[a] = make(map[string]bool)
			}
			for id := range sets[b] {
				sets[a][id] = true
			}
			removed[b] = true
			result.OverlapMerges++
		}
	}

	result.DeletedEmpty, err = s.clusters.DeleteEmptyClusters(ctx)
	if err != nil {
		return result, fmt.Errorf("delete empty clusters: %w", err)
	}
	log.Info().
		Int("name_merges", result.NameMerges).
		Int("overlap_merges", result.OverlapMerges).
		Int64("deleted_empty", result.DeletedEmpty).
		Msg("Cluster deduplication finished")
	return result, nil
}

// Clusters lists every cluster with its size, oldest first.
func (s *Service) Clusters(ctx context.Context) ([]ClusterSummary, error) {
	all, err := s.clusters.ListClusters(ctx, "")
	if err != nil {
		return nil, err
	}
	membership, err := s.clusters.MembersByCluster(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ClusterSummary, len(all))
	for i, c := range all {
		out[i] = ClusterSummary{SessionCluster: c, Size: len(membership[c.ID])}
	}
	return out, nil
}

// ArchiveCluster retires a cluster. Its sessions stop counting as clustered,
// so the next batch run may group them again.
func (s *Service) ArchiveCluster(ctx context.Context, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.clusters.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	if c.Status == models.ClusterStatusArchived {
		return nil
	}
	c.Status = models.ClusterStatusArchived
	if err := s.clusters.UpdateCluster(ctx, c); err != nil {
		return fmt.Errorf("archive cluster %s: %w", clusterID, err)
	}
	log.Info().Str("cluster_id", clusterID).Str("name", c.Name).Msg("Cluster archived")
	return nil
}

// ClusterSessions returns the members of a cluster in sequence order, or nil
// when the cluster does not exist.
func (s *Service) ClusterSessions(ctx context.Context, clusterID string) ([]models.ClusterMember, error) {
	c, err := s.clusters.GetCluster(ctx, clusterID)
	if err != nil || c == nil {
		return nil, err
	}
	return s.clusters.Members(ctx, clusterID)
}

// AfterExtraction places freshly extracted sessions once the frequency gate
// allows clustering.
func (s *Service) AfterExtraction(ctx context.Context, sessionIDs []string) error {
	ok, err := s.ShouldRunBatch(ctx, s.now())
	if err != nil {
		return err
	}
	if !ok {
		log.Debug().Int("sessions", len(sessionIDs)).Msg("Clustering gate closed, skipping")
		return nil
	}
	_, err = s.ClusterIncremental(ctx, sessionIDs)
	return err
}
