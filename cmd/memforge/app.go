package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/memforge/internal/clustering"
	"github.com/thebtf/memforge/internal/collections"
	"github.com/thebtf/memforge/internal/config"
	gormdb "github.com/thebtf/memforge/internal/db/gorm"
	"github.com/thebtf/memforge/internal/extraction"
	"github.com/thebtf/memforge/internal/jobs"
	"github.com/thebtf/memforge/internal/patterns"
	"github.com/thebtf/memforge/internal/privacy"
	"github.com/thebtf/memforge/internal/search"
	"github.com/thebtf/memforge/internal/sessions"
	"github.com/thebtf/memforge/internal/supervisor"
	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/internal/vector/chromemdb"
)

// hookTimeout bounds one post-extraction hook run.
const hookTimeout = 10 * time.Minute

// app holds the wired components of one command invocation.
type app struct {
	cfg        *config.Config
	store      *gormdb.Store
	scheduler  *jobs.Scheduler
	loader     *sessions.Loader
	index      *chromemdb.Index
	supervisor *supervisor.Supervisor
	pipeline   *extraction.Pipeline
	clustering *clustering.Service
	detector   *patterns.Detector
	search     *search.Service
}

// newEmbedder uses the configured embedding endpoint, or the offline hashing
// embedder when no endpoint or key is set.
func newEmbedder(cfg *config.Config) (vector.Embedder, error) {
	if cfg.LLMAPIKey == "" && cfg.LLMBaseURL == "" {
		log.Warn().Msg("No embedding endpoint configured, using the offline hashing embedder")
		return vector.NewHashEmbedder(cfg.EmbeddingDims), nil
	}
	return vector.NewOpenAIEmbedder(vector.EmbedderConfig{
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.EmbeddingModel,
		APIKey:  cfg.LLMAPIKey,
	})
}

// openApp wires the stores and services. The LLM executor is only created
// when withLLM is set, so read-only commands work without credentials.
func openApp(ctx context.Context, cfg *config.Config, withLLM bool) (*app, error) {
	store, err := gormdb.NewStore(gormdb.Config{
		Driver:   cfg.DBDriver,
		Path:     config.DBPath(),
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, store: store}
	if err := a.wire(ctx, withLLM); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, withLLM bool) error {
	cfg := a.cfg
	chunks := gormdb.NewChunkStore(a.store)
	memories := gormdb.NewMemoryStore(a.store)
	prompts := gormdb.NewPromptStore(a.store)
	entities := gormdb.NewEntityStore(a.store)
	stage1 := gormdb.NewStage1Store(a.store)

	a.scheduler = jobs.NewScheduler(a.store)
	a.loader = sessions.NewLoader(a.store)

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	a.index, err = chromemdb.New(chromemdb.Config{Path: config.VectorDBPath()}, embedder, chunks)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}

	registry, err := collections.LoadWithDefaults(config.CollectionsPath())
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}

	a.clustering = clustering.NewService(a.loader, gormdb.NewClusterStore(a.store), chunks, a.index, clustering.OptionsFromConfig(cfg))
	a.detector = patterns.NewDetector(a.index, memories, registry, patterns.OptionsFromConfig(cfg))
	a.search = search.NewService(search.Deps{
		Vectors:  a.index,
		FullText: prompts,
		Heat:     entities,
		Memories: memories,
		Stage1:   stage1,
	}, search.OptionsFromConfig(cfg))

	if !withLLM {
		return nil
	}

	executor, err := extraction.NewLLMExecutor(extraction.LLMConfig{
		Model:             cfg.Model,
		BaseURL:           cfg.LLMBaseURL,
		APIKey:            cfg.LLMAPIKey,
		RequestsPerMinute: cfg.LLMRequestsPerMinute,
	})
	if err != nil {
		return fmt.Errorf("create llm executor: %w", err)
	}
	redactor, err := privacy.NewRedactor()
	if err != nil {
		return fmt.Errorf("create redactor: %w", err)
	}
	opts, err := extraction.OptionsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("extraction options: %w", err)
	}

	a.supervisor = supervisor.New(ctx, hookTimeout)
	a.pipeline, err = extraction.New(extraction.Deps{
		Sessions:   gormdb.NewConversationStore(a.store),
		Scheduler:  a.scheduler,
		Executor:   executor,
		Redactor:   redactor,
		Stage1:     stage1,
		Index:      a.index,
		Summaries:  prompts,
		Mentions:   entities,
		Metadata:   a.loader,
		Supervisor: a.supervisor,
	}, opts)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	a.pipeline.AddHook("clustering", a.clustering)
	a.pipeline.AddHook("patterns", a.detector)
	return nil
}

// Close lets background hooks finish until ctx ends, cancels whatever is
// still running and closes the store.
func (a *app) Close(ctx context.Context) error {
	if a.supervisor != nil {
		done := make(chan struct{})
		go func() {
			a.supervisor.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.supervisor.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Background tasks did not finish")
		}
	}
	return a.store.Close()
}
