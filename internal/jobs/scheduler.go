// Package jobs provides the claim ledger that serializes background work per entity.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	gormdb "github.com/thebtf/memforge/internal/db/gorm"
)

var (
	// ErrNotClaimed is returned when a job is already claimed or the kind is at capacity.
	ErrNotClaimed = errors.New("job not claimed")
	// ErrTokenMismatch is returned when a mark is attempted with a stale ownership token.
	ErrTokenMismatch = errors.New("ownership token mismatch")
)

// State mirrors the persisted job state.
type State = gormdb.JobState

// Job is a read-only snapshot of a job row.
type Job struct {
	ClaimedAt            time.Time
	FinishedAt           time.Time
	LastSuccessAt        time.Time
	Kind                 string
	EntityID             string
	State                State
	OwnershipToken       string
	LastError            string
	Watermark            int64
	LastSuccessWatermark int64
	AttemptCount         int
}

// Succeeded reports whether the job ever completed successfully.
func (j *Job) Succeeded() bool {
	return !j.LastSuccessAt.IsZero()
}

// Claim is proof of exclusive ownership of a job.
type Claim struct {
	Kind      string
	EntityID  string
	Token     string
	Watermark int64
}

// Scheduler hands out exclusive claims on (kind, entity) jobs.
type Scheduler struct {
	db  *gorm.DB
	now func() time.Time
	// mu serializes writers inside this process; the conditional updates
	// below keep claims exclusive across processes.
	mu sync.Mutex
}

// NewScheduler creates a scheduler over the job ledger of store.
func NewScheduler(store *gormdb.Store) *Scheduler {
	return &Scheduler{db: store.DB, now: time.Now}
}

// Enqueue inserts a pending job or advances the watermark of an existing one.
// A claimed job keeps its claim; a finished job becomes pending again.
func (s *Scheduler) Enqueue(ctx context.Context, kind, entityID string, watermark int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	job := &gormdb.Job{
		Kind:           kind,
		EntityID:       entityID,
		Watermark:      watermark,
		State:          gormdb.JobPending,
		CreatedAtEpoch: now,
		UpdatedAtEpoch: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kind"}, {Name: "entity_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"watermark":        gorm.Expr("CASE WHEN excluded.watermark > jobs.watermark THEN excluded.watermark ELSE jobs.watermark END"),
			"state":            gorm.Expr("CASE WHEN jobs.state = ? THEN jobs.state ELSE ? END", gormdb.JobClaimed, gormdb.JobPending),
			"updated_at_epoch": now,
		}),
	}).Create(job).Error
	if err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", kind, entityID, err)
	}
	return nil
}

// Claim takes exclusive ownership of a job, creating it at watermark 0 if absent.
// Returns ErrNotClaimed when the job is already claimed or when maxConcurrent
// jobs of the kind are claimed. A non-positive maxConcurrent means unlimited.
func (s *Scheduler) Claim(ctx context.Context, kind, entityID string, maxConcurrent int) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := uuid.NewString()
	now := s.now().UnixMilli()
	var claim Claim

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if maxConcurrent > 0 {
			var claimed int64
			if err := tx.Model(&gormdb.Job{}).
				Where("kind = ? AND state = ?", kind, gormdb.JobClaimed).
				Count(&claimed).Error; err != nil {
				return err
			}
			if claimed >= int64(maxConcurrent) {
				return fmt.Errorf("%w: %s at capacity (%d claimed)", ErrNotClaimed, kind, claimed)
			}
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&gormdb.Job{
			Kind:     kind,
			EntityID: entityID,
		}).Error; err != nil {
			return err
		}

		res := tx.Model(&gormdb.Job{}).
			Where("kind = ? AND entity_id = ? AND state <> ?", kind, entityID, gormdb.JobClaimed).
			Updates(map[string]interface{}{
				"state":             gormdb.JobClaimed,
				"ownership_token":   token,
				"claimed_at_epoch":  now,
				"finished_at_epoch": nil,
				"updated_at_epoch":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s/%s already claimed", ErrNotClaimed, kind, entityID)
		}

		var row gormdb.Job
		if err := tx.Where("kind = ? AND entity_id = ?", kind, entityID).First(&row).Error; err != nil {
			return err
		}
		claim = Claim{Kind: kind, EntityID: entityID, Token: token, Watermark: row.Watermark}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotClaimed) {
			return Claim{}, err
		}
		return Claim{}, fmt.Errorf("claim %s/%s: %w", kind, entityID, err)
	}

	log.Debug().Str("kind", kind).Str("entity_id", entityID).Msg("Job claimed")
	return claim, nil
}

// MarkSucceeded finishes a claimed job and records the watermark it processed.
func (s *Scheduler) MarkSucceeded(ctx context.Context, kind, entityID, token string, watermark int64) error {
	now := s.now().UnixMilli()
	return s.finish(ctx, kind, entityID, token, map[string]interface{}{
		"state":                  gormdb.JobSucceeded,
		"last_success_watermark": watermark,
		"last_success_at_epoch":  now,
		"last_error":             nil,
	})
}

// MarkFailed finishes a claimed job as failed and records the cause.
func (s *Scheduler) MarkFailed(ctx context.Context, kind, entityID, token string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, kind, entityID, token, map[string]interface{}{
		"state":         gormdb.JobFailed,
		"attempt_count": gorm.Expr("attempt_count + 1"),
		"last_error":    msg,
	})
}

// finish applies a terminal transition if token still owns the job.
func (s *Scheduler) finish(ctx context.Context, kind, entityID, token string, updates map[string]interface{}) error {
	if token == "" {
		return fmt.Errorf("%w: %s/%s", ErrTokenMismatch, kind, entityID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	updates["ownership_token"] = ""
	updates["finished_at_epoch"] = now
	updates["updated_at_epoch"] = now

	res := s.db.WithContext(ctx).
		Model(&gormdb.Job{}).
		Where("kind = ? AND entity_id = ? AND state = ? AND ownership_token = ?", kind, entityID, gormdb.JobClaimed, token).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finish %s/%s: %w", kind, entityID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrTokenMismatch, kind, entityID)
	}
	return nil
}

// Get returns a snapshot of a job, or nil if it does not exist.
func (s *Scheduler) Get(ctx context.Context, kind, entityID string) (*Job, error) {
	var row gormdb.Job
	err := s.db.WithContext(ctx).Where("kind = ? AND entity_id = ?", kind, entityID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toJob(&row), nil
}

// IsStale reports whether no successful run has covered watermark.
func (s *Scheduler) IsStale(ctx context.Context, kind, entityID string, watermark int64) (bool, error) {
	job, err := s.Get(ctx, kind, entityID)
	if err != nil {
		return false, err
	}
	if job == nil || !job.Succeeded() {
		return true, nil
	}
	return job.LastSuccessWatermark < watermark, nil
}

// CountClaimed returns the number of in-flight jobs of a kind.
func (s *Scheduler) CountClaimed(ctx context.Context, kind string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&gormdb.Job{}).
		Where("kind = ? AND state = ?", kind, gormdb.JobClaimed).
		Count(&n).Error
	return int(n), err
}

// ReleaseExpired returns claims held longer than lease to pending.
// Their tokens are cleared so late marks from the old holder fail.
func (s *Scheduler) ReleaseExpired(ctx context.Context, kind string, lease time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&gormdb.Job{}).
		Where("kind = ? AND state = ? AND claimed_at_epoch < ?", kind, gormdb.JobClaimed, now.Add(-lease).UnixMilli()).
		Updates(map[string]interface{}{
			"state":            gormdb.JobPending,
			"ownership_token":  "",
			"attempt_count":    gorm.Expr("attempt_count + 1"),
			"last_error":       "claim lease expired",
			"updated_at_epoch": now.UnixMilli(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release expired %s: %w", kind, res.Error)
	}
	if res.RowsAffected > 0 {
		log.Warn().Str("kind", kind).Int64("released", res.RowsAffected).Msg("Released expired job claims")
	}
	return int(res.RowsAffected), nil
}

func toJob(row *gormdb.Job) *Job {
	job := &Job{
		Kind:                 row.Kind,
		EntityID:             row.EntityID,
		State:                row.State,
		OwnershipToken:       row.OwnershipToken,
		Watermark:            row.Watermark,
		LastSuccessWatermark: row.LastSuccessWatermark,
		AttemptCount:         row.AttemptCount,
	}
	if row.LastError.Valid {
		job.LastError = row.LastError.String
	}
	if row.ClaimedAtEpoch.Valid {
		job.ClaimedAt = time.UnixMilli(row.ClaimedAtEpoch.Int64)
	}
	if row.FinishedAtEpoch.Valid {
		job.FinishedAt = time.UnixMilli(row.FinishedAtEpoch.Int64)
	}
	if row.LastSuccessAtEpoch.Valid {
		job.LastSuccessAt = time.UnixMilli(row.LastSuccessAtEpoch.Int64)
	}
	return job
}
