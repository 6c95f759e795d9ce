package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/memforge/internal/config"
	"github.com/thebtf/memforge/internal/jobs"
	"github.com/thebtf/memforge/internal/sessions"
	"github.com/thebtf/memforge/internal/supervisor"
	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/pkg/models"
)

// JobKind is the scheduler kind used for per-session extraction.
const JobKind = "phase1_extraction"

// ErrConversationNotFound is returned when a session id has no conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationSource lists and loads captured conversations.
type ConversationSource interface {
	ListEligible(ctx context.Context, f models.EligibilityFilter) ([]models.SessionRef, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

// Stage1Writer persists extraction results.
type Stage1Writer interface {
	Upsert(ctx context.Context, out models.Stage1Output) error
}

// Indexer adds content to the vector index.
type Indexer interface {
	IndexContent(ctx context.Context, text string, meta vector.Metadata) (vector.IndexResult, error)
}

// SummaryWriter stores a session summary in the full-text index.
type SummaryWriter interface {
	SaveContextSummary(ctx context.Context, sessionID, summary string) error
}

// MentionRecorder feeds entity heat.
type MentionRecorder interface {
	RecordMentions(ctx context.Context, kind string, values []string, at time.Time) error
}

// MetadataRefresher rebuilds cached session metadata.
type MetadataRefresher interface {
	RefreshConversation(ctx context.Context, id string) (*models.SessionMetadata, error)
}

// Hook runs after a batch (or single extraction) produced new outputs.
type Hook interface {
	AfterExtraction(ctx context.Context, sessionIDs []string) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, sessionIDs []string) error

// AfterExtraction calls f.
func (f HookFunc) AfterExtraction(ctx context.Context, sessionIDs []string) error {
	return f(ctx, sessionIDs)
}

// Options tunes the pipeline.
type Options struct {
	ExcludeProjects        []string
	LLMTimeout             time.Duration
	MaxAgeDays             int
	MinIdleHours           int
	MaxSessionsPerRun      int
	Concurrency            int
	MaxTranscriptBytes     int
	RawMemoryMaxChars      int
	RolloutSummaryMaxChars int
	TurnMask               TurnMask
}

// DefaultOptions returns the options matching config.Default.
func DefaultOptions() Options {
	opts, _ := OptionsFromConfig(config.Default())
	return opts
}

// OptionsFromConfig maps configuration onto pipeline options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	mask, err := ParseTurnMask(cfg.TurnMask)
	if err != nil {
		return Options{}, err
	}
	return Options{
		ExcludeProjects:        cfg.ExcludedProjects,
		LLMTimeout:             cfg.LLMTimeout,
		MaxAgeDays:             cfg.MaxAgeDays,
		MinIdleHours:           cfg.MinIdleHours,
		MaxSessionsPerRun:      cfg.MaxSessionsPerRun,
		Concurrency:            cfg.Concurrency,
		MaxTranscriptBytes:     cfg.MaxTranscriptBytes,
		RawMemoryMaxChars:      cfg.RawMemoryMaxChars,
		RolloutSummaryMaxChars: cfg.RolloutSummaryMaxChars,
		TurnMask:               mask,
	}, nil
}

// Deps are the collaborators of a Pipeline. Index, Summaries, Mentions,
// Metadata and Supervisor are optional.
type Deps struct {
	Sessions   ConversationSource
	Scheduler  *jobs.Scheduler
	Executor   Executor
	Redactor   Redactor
	Stage1     Stage1Writer
	Index      Indexer
	Summaries  SummaryWriter
	Mentions   MentionRecorder
	Metadata   MetadataRefresher
	Supervisor *supervisor.Supervisor
}

// Pipeline extracts memories from eligible sessions.
type Pipeline struct {
	deps    Deps
	opts    Options
	hooks   []namedHook
	metrics *Metrics
	now     func() time.Time
}

type namedHook struct {
	hook Hook
	name string
}

// BatchOptions scopes one batch run.
type BatchOptions struct {
	// ExcludeSessionID is the caller's own active session.
	ExcludeSessionID string
	// MaxSessions overrides Options.MaxSessionsPerRun when positive.
	MaxSessions int
}

// SessionError pairs a failed session with its error message.
type SessionError struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// BatchResult summarizes a batch run.
type BatchResult struct {
	Errors       []SessionError `json:"errors"`
	SucceededIDs []string       `json:"succeeded_ids"`
	Processed    int            `json:"processed"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	Skipped      int            `json:"skipped"`
}

// New creates a pipeline.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Sessions == nil || deps.Scheduler == nil || deps.Executor == nil || deps.Stage1 == nil {
		return nil, fmt.Errorf("sessions, scheduler, executor and stage1 store are required")
	}
	if deps.Supervisor == nil {
		deps.Supervisor = supervisor.New(context.Background(), 0)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.TurnMask == 0 {
		opts.TurnMask = MaskAll
	}
	return &Pipeline{
		deps:    deps,
		opts:    opts,
		metrics: NewMetrics(),
		now:     time.Now,
	}, nil
}

// AddHook registers a post-extraction hook. Hooks run supervised and never
// block or fail the run that triggered them.
func (p *Pipeline) AddHook(name string, hook Hook) {
	p.hooks = append(p.hooks, namedHook{name: name, hook: hook})
}

// RunBatch extracts every eligible session that changed since its last
// successful extraction. Sessions are processed in waves of Concurrency.
func (p *Pipeline) RunBatch(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	limit := p.opts.MaxSessionsPerRun
	if opts.MaxSessions > 0 {
		limit = opts.MaxSessions
	}
	refs, err := p.deps.Sessions.ListEligible(ctx, models.EligibilityFilter{
		Now:              p.now(),
		ExcludeSessionID: opts.ExcludeSessionID,
		ExcludeProjects:  p.opts.ExcludeProjects,
		MaxAgeDays:       p.opts.MaxAgeDays,
		MinIdleHours:     p.opts.MinIdleHours,
		Limit:            limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list eligible sessions: %w", err)
	}

	result := &BatchResult{Errors: []SessionError{}, SucceededIDs: []string{}}
	var mu sync.Mutex
	record := func(id, outcome string, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Processed++
		switch outcome {
		case outcomeSucceeded:
			result.Succeeded++
			result.SucceededIDs = append(result.SucceededIDs, id)
		case outcomeFailed:
			result.Failed++
			result.Errors = append(result.Errors, SessionError{SessionID: id, Error: err.Error()})
		case outcomeSkipped:
			result.Skipped++
		}
	}

	var pending []models.SessionRef
	for _, ref := range refs {
		watermark := ref.UpdatedAt.Unix()
		if err := p.deps.Scheduler.Enqueue(ctx, JobKind, ref.ID, watermark); err != nil {
			record(ref.ID, outcomeFailed, fmt.Errorf("enqueue: %w", err))
			continue
		}
		stale, err := p.deps.Scheduler.IsStale(ctx, JobKind, ref.ID, watermark)
		if err != nil {
			record(ref.ID, outcomeFailed, fmt.Errorf("check staleness: %w", err))
			continue
		}
		if !stale {
			record(ref.ID, outcomeSkipped, nil)
			p.metrics.RecordSession(ctx, outcomeSkipped, 0)
			continue
		}
		pending = append(pending, ref)
	}

	for start := 0; start < len(pending); start += p.opts.Concurrency {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := min(start+p.opts.Concurrency, len(pending))

		var g errgroup.Group
		for _, ref := range pending[start:end] {
			g.Go(func() error {
				outcome, err := p.processClaimed(ctx, ref.ID, p.opts.Concurrency)
				record(ref.ID, outcome, err)
				return nil
			})
		}
		_ = g.Wait()
	}

	p.metrics.RecordBatch(ctx)
	log.Info().
		Int("eligible", len(refs)).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Extraction batch finished")

	if result.Succeeded > 0 {
		p.runHooks(result.SucceededIDs)
	}
	return result, nil
}

// ExtractOne extracts a single session regardless of eligibility.
func (p *Pipeline) ExtractOne(ctx context.Context, sessionID string) (*models.Stage1Output, error) {
	conv, err := p.deps.Sessions.GetConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", sessionID, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, sessionID)
	}
	if err := p.deps.Scheduler.Enqueue(ctx, JobKind, sessionID, conv.UpdatedAt.Unix()); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", sessionID, err)
	}

	claim, err := p.deps.Scheduler.Claim(ctx, JobKind, sessionID, 0)
	if err != nil {
		return nil, err
	}
	out, watermark, err := p.extract(ctx, conv)
	if err != nil {
		p.markFailed(ctx, claim, err)
		return nil, err
	}
	if err := p.deps.Scheduler.MarkSucceeded(ctx, JobKind, sessionID, claim.Token, watermark); err != nil {
		return nil, err
	}
	if out != nil {
		p.runHooks([]string{sessionID})
	}
	return out, nil
}

// processClaimed claims one session and runs it through the pipeline.
func (p *Pipeline) processClaimed(ctx context.Context, sessionID string, maxConcurrent int) (string, error) {
	claim, err := p.deps.Scheduler.Claim(ctx, JobKind, sessionID, maxConcurrent)
	if errors.Is(err, jobs.ErrNotClaimed) {
		log.Debug().Str("session_id", sessionID).Msg("Session claimed elsewhere, skipping")
		p.metrics.RecordSession(ctx, outcomeSkipped, 0)
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeFailed, fmt.Errorf("claim: %w", err)
	}

	start := time.Now()
	conv, err := p.deps.Sessions.GetConversation(ctx, sessionID)
	if err == nil && conv == nil {
		err = fmt.Errorf("%w: %s", ErrConversationNotFound, sessionID)
	}
	var watermark int64
	if err == nil {
		_, watermark, err = p.extract(ctx, conv)
	}
	if err != nil {
		p.markFailed(ctx, claim, err)
		p.metrics.RecordSession(ctx, outcomeFailed, time.Since(start))
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Extraction failed")
		return outcomeFailed, err
	}

	if err := p.deps.Scheduler.MarkSucceeded(ctx, JobKind, sessionID, claim.Token, watermark); err != nil {
		p.metrics.RecordSession(ctx, outcomeFailed, time.Since(start))
		return outcomeFailed, fmt.Errorf("mark succeeded: %w", err)
	}
	p.metrics.RecordSession(ctx, outcomeSucceeded, time.Since(start))
	return outcomeSucceeded, nil
}

func (p *Pipeline) markFailed(ctx context.Context, claim jobs.Claim, cause error) {
	// The job must be released even when the run's context has ended.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.deps.Scheduler.MarkFailed(markCtx, claim.Kind, claim.EntityID, claim.Token, cause); err != nil {
		log.Error().Err(err).Str("session_id", claim.EntityID).Msg("Failed to record extraction failure")
	}
}

// extract runs filtering, truncation, the model call, parsing and storage.
// It returns the stored output (nil for an empty transcript) and the
// watermark to record.
func (p *Pipeline) extract(ctx context.Context, conv *models.Conversation) (*models.Stage1Output, int64, error) {
	transcript := BuildTranscript(conv.Turns, p.opts.TurnMask)
	if strings.TrimSpace(transcript) == "" {
		log.Debug().Str("session_id", conv.ID).Msg("Empty transcript, nothing to extract")
		return nil, 0, nil
	}
	transcript = Truncate(transcript, p.opts.MaxTranscriptBytes)

	raw, err := runBounded(ctx, p.deps.Executor, BuildExtractionPrompt(conv.ID, transcript), p.opts.LLMTimeout)
	if err != nil {
		return nil, 0, fmt.Errorf("summarize %s: %w", conv.ID, err)
	}

	parsed := Finalize(ParseModelOutput(raw), p.deps.Redactor, Limits{
		RawMemoryMaxChars:      p.opts.RawMemoryMaxChars,
		RolloutSummaryMaxChars: p.opts.RolloutSummaryMaxChars,
	})
	if parsed.Mode == ParseModeFallback {
		log.Debug().Str("session_id", conv.ID).Msg("Model output was not JSON, stored fallback summary")
	}

	watermark := conv.UpdatedAt.Unix()
	out := models.Stage1Output{
		ThreadID:        conv.ID,
		SourceUpdatedAt: watermark,
		RawMemory:       parsed.RawMemory,
		RolloutSummary:  parsed.RolloutSummary,
		GeneratedAt:     p.now(),
	}
	if err := p.deps.Stage1.Upsert(ctx, out); err != nil {
		return nil, 0, fmt.Errorf("store stage1 output %s: %w", conv.ID, err)
	}

	p.afterStore(ctx, out)
	return &out, watermark, nil
}

// afterStore updates the secondary indexes. Failures are logged only.
func (p *Pipeline) afterStore(ctx context.Context, out models.Stage1Output) {
	if p.deps.Summaries != nil {
		if err := p.deps.Summaries.SaveContextSummary(ctx, out.ThreadID, out.RolloutSummary); err != nil {
			log.Warn().Err(err).Str("session_id", out.ThreadID).Msg("Failed to index session summary")
		}
	}

	if p.deps.Mentions != nil {
		if files := sessions.ExtractFilePatterns(out.RawMemory); len(files) > 0 {
			if err := p.deps.Mentions.RecordMentions(ctx, "file", files, out.GeneratedAt); err != nil {
				log.Warn().Err(err).Str("session_id", out.ThreadID).Msg("Failed to record file mentions")
			}
		}
		if err := p.deps.Mentions.RecordMentions(ctx, "session", []string{out.ThreadID}, out.GeneratedAt); err != nil {
			log.Warn().Err(err).Str("session_id", out.ThreadID).Msg("Failed to record session mention")
		}
	}

	if p.deps.Metadata != nil {
		if _, err := p.deps.Metadata.RefreshConversation(ctx, out.ThreadID); err != nil {
			log.Warn().Err(err).Str("session_id", out.ThreadID).Msg("Failed to refresh session metadata")
		}
	}

	if p.deps.Index != nil {
		text := out.RawMemory + "\n\n" + out.RolloutSummary
		meta := vector.Metadata{
			SourceID:   out.ThreadID,
			SourceType: string(models.SessionTypeCLIHistory),
			Category:   string(models.SessionTypeCLIHistory),
		}
		p.deps.Supervisor.Go("index:"+out.ThreadID, func(ctx context.Context) error {
			_, err := p.deps.Index.IndexContent(ctx, text, meta)
			return err
		})
	}
}

func (p *Pipeline) runHooks(sessionIDs []string) {
	ids := append([]string(nil), sessionIDs...)
	for _, h := range p.hooks {
		p.deps.Supervisor.Go(h.name, func(ctx context.Context) error {
			return h.hook.AfterExtraction(ctx, ids)
		})
	}
}

// Supervisor returns the supervisor running background work.
func (p *Pipeline) Supervisor() *supervisor.Supervisor {
	return p.deps.Supervisor
}
