package search

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	gormdb "github.com/thebtf/memforge/internal/db/gorm"
	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/internal/vector/chromemdb"
	"github.com/thebtf/memforge/pkg/models"
)

type failingVectors struct{ calls atomic.Int32 }

func (f *failingVectors) Search(context.Context, string, vector.SearchOptions) ([]vector.Match, error) {
	f.calls.Add(1)
	return nil, errors.New("index unavailable")
}

type failingFullText struct{}

func (failingFullText) SearchPrompts(context.Context, string, int) ([]models.PromptHit, error) {
	return nil, errors.New("fts5: syntax error")
}

type failingHeat struct{}

func (failingHeat) GetHotEntities(context.Context, int) ([]models.HotEntity, error) {
	return nil, errors.New("heat unavailable")
}

type recordingFullText struct {
	queries []string
}

func (r *recordingFullText) SearchPrompts(_ context.Context, query string, _ int) ([]models.PromptHit, error) {
	r.queries = append(r.queries, query)
	return nil, nil
}

type RetrievalSuite struct {
	suite.Suite
	ctx      context.Context
	store    *gormdb.Store
	prompts  *gormdb.PromptStore
	entities *gormdb.EntityStore
	memories *gormdb.MemoryStore
	stage1   *gormdb.Stage1Store
	index    *chromemdb.Index
}

func TestRetrievalSuite(t *testing.T) {
	suite.Run(t, new(RetrievalSuite))
}

func (s *RetrievalSuite) SetupTest() {
	s.ctx = context.Background()
	store, err := gormdb.NewStore(gormdb.Config{
		Path:     filepath.Join(s.T().TempDir(), "search.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.store = store
	s.prompts = gormdb.NewPromptStore(store)
	s.entities = gormdb.NewEntityStore(store)
	s.memories = gormdb.NewMemoryStore(store)
	s.stage1 = gormdb.NewStage1Store(store)
	s.index, err = chromemdb.New(chromemdb.Config{}, vector.NewHashEmbedder(1024), nil)
	s.Require().NoError(err)
}

func (s *RetrievalSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *RetrievalSuite) add(id, category, text string) {
	_, err := s.index.IndexContent(s.ctx, text, vector.Metadata{SourceID: id, SourceType: category, Category: category})
	s.Require().NoError(err)
}

func (s *RetrievalSuite) service() *Service {
	opts := DefaultOptions()
	opts.MinScore = 0.1
	return NewService(Deps{
		Vectors:  s.index,
		FullText: s.prompts,
		Heat:     s.entities,
		Memories: s.memories,
		Stage1:   s.stage1,
	}, opts)
}

func (s *RetrievalSuite) seed() {
	s.add("sess-wal", "cli_history", "Enabled SQLite WAL journal mode to fix database locked errors")
	s.add("sess-css", "cli_history", "Refactored tailwind css classes in the button component")
	s.Require().NoError(s.prompts.SaveContextSummary(s.ctx, "sess-wal", "Fixed database locked errors by enabling WAL"))
	s.Require().NoError(s.prompts.SaveContextSummary(s.ctx, "sess-fts-only", "WAL checkpoint tuning notes"))
	s.Require().NoError(s.entities.RecordMentions(s.ctx, "session", []string{"sess-wal"}, time.Now()))
}

func (s *RetrievalSuite) TestSearch_FusesAllSignals() {
	s.seed()

	results, err := s.service().Search(s.ctx, "WAL database locked", SearchOptions{})
	s.Require().NoError(err)
	s.Require().NotEmpty(results)

	top := results[0]
	s.Equal("sess-wal", top.SourceID)
	s.NotNil(top.RankSources.VectorRank)
	s.NotNil(top.RankSources.FTSRank)
	s.NotNil(top.RankSources.HeatScore)
	s.Contains(top.Content, "journal mode", "vector content preferred")

	ftsOnly, ok := findResult(results, "sess-fts-only")
	s.Require().True(ok)
	s.Nil(ftsOnly.RankSources.VectorRank)
	s.NotNil(ftsOnly.RankSources.FTSRank)
	s.Equal("WAL checkpoint tuning notes", ftsOnly.Content)

	for i := 1; i < len(results); i++ {
		s.GreaterOrEqual(results[i-1].Score, results[i].Score)
	}
}

func (s *RetrievalSuite) TestSearch_Limit() {
	s.seed()
	results, err := s.service().Search(s.ctx, "WAL database locked", SearchOptions{Limit: 1})
	s.Require().NoError(err)
	s.Len(results, 1)
}

func (s *RetrievalSuite) TestSearch_NoResults() {
	results, err := s.service().Search(s.ctx, "anything at all", SearchOptions{})
	s.Require().NoError(err)
	s.NotNil(results)
	s.Empty(results)

	results, err = s.service().Search(s.ctx, "   ", SearchOptions{})
	s.Require().NoError(err)
	s.NotNil(results)
	s.Empty(results)
}

func (s *RetrievalSuite) TestSearch_FailedSignalsCountAsEmpty() {
	s.seed()
	vectors := &failingVectors{}
	svc := NewService(Deps{Vectors: vectors, FullText: s.prompts, Heat: failingHeat{}}, DefaultOptions())

	results, err := svc.Search(s.ctx, "WAL", SearchOptions{})
	s.Require().NoError(err)
	s.EqualValues(1, vectors.calls.Load())
	s.Require().NotEmpty(results)
	for _, r := range results {
		s.Nil(r.RankSources.VectorRank)
		s.Nil(r.RankSources.HeatScore)
		s.NotNil(r.RankSources.FTSRank)
	}

	svc = NewService(Deps{Vectors: vectors, FullText: failingFullText{}, Heat: failingHeat{}}, DefaultOptions())
	results, err = svc.Search(s.ctx, "WAL", SearchOptions{})
	s.Require().NoError(err)
	s.Empty(results)
}

func (s *RetrievalSuite) TestSearch_SanitizesFullTextQuery() {
	fts := &recordingFullText{}
	svc := NewService(Deps{FullText: fts}, DefaultOptions())

	_, err := svc.Search(s.ctx, `"WAL" AND mode*`, SearchOptions{})
	s.Require().NoError(err)
	s.Equal([]string{"WAL OR mode"}, fts.queries)

	_, err = svc.Search(s.ctx, `*** ()`, SearchOptions{})
	s.Require().NoError(err)
	s.Len(fts.queries, 1, "an empty sanitized query is not sent")

	_, err = svc.Search(s.ctx, "WAL", SearchOptions{Category: "workflow"})
	s.Require().NoError(err)
	s.Len(fts.queries, 1, "the full-text index holds no workflow content")
}

func (s *RetrievalSuite) TestSearch_CategoryFilter() {
	s.seed()
	s.add("wf-1", "workflow", "Workflow: rotate WAL files before database backup")

	results, err := s.service().Search(s.ctx, "WAL database", SearchOptions{Category: "workflow"})
	s.Require().NoError(err)
	s.Require().NotEmpty(results)
	for _, r := range results {
		s.Equal("workflow", r.Category)
	}
}

func (s *RetrievalSuite) TestSearch_Canceled() {
	s.seed()
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.service().Search(ctx, "WAL", SearchOptions{})
	s.ErrorIs(err, context.Canceled)
}

func (s *RetrievalSuite) TestRecommend_ExcludesSelf() {
	text := "Always run go generate before committing protobuf changes"
	s.add("mem-1", "pattern", text)
	s.add("sess-a", "cli_history", text+" in the api package")
	s.add("sess-b", "cli_history", "Run go generate after editing protobuf files")
	s.add("sess-c", "cli_history", "Bumped tailwind and rebuilt css")
	_, err := s.memories.Create(s.ctx, &models.Memory{ID: "mem-1", Content: text, Category: "pattern", SourceType: "pattern"})
	s.Require().NoError(err)

	results, err := s.service().Recommend(s.ctx, "mem-1", 2)
	s.Require().NoError(err)
	s.Require().Len(results, 2)
	s.Equal("sess-a", results[0].SourceID)
	for i, r := range results {
		s.NotEqual("mem-1", r.SourceID)
		s.Equal(i+1, *r.RankSources.VectorRank)
	}
	s.GreaterOrEqual(results[0].Score, results[1].Score)
}

func (s *RetrievalSuite) TestRecommend_SessionMemory() {
	s.add("sess-a", "cli_history", "Enabled SQLite WAL journal mode")
	s.add("sess-b", "cli_history", "Tuned SQLite WAL checkpoints")
	s.Require().NoError(s.stage1.Upsert(s.ctx, models.Stage1Output{
		ThreadID:    "sess-a",
		RawMemory:   "Enabled SQLite WAL journal mode",
		GeneratedAt: time.Now(),
	}))

	results, err := s.service().Recommend(s.ctx, "sess-a", 5)
	s.Require().NoError(err)
	s.Require().NotEmpty(results)
	s.Equal("sess-b", results[0].SourceID)
	_, self := findResult(results, "sess-a")
	s.False(self)
}

func (s *RetrievalSuite) TestRecommend_UnknownMemory() {
	_, err := s.service().Recommend(s.ctx, "missing", 3)
	s.ErrorIs(err, ErrMemoryNotFound)

	results, err := s.service().Recommend(s.ctx, "missing", 0)
	s.Require().NoError(err)
	s.Empty(results)
}
