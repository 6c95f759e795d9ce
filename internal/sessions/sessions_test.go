package sessions

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	gormdb "github.com/thebtf/memforge/internal/db/gorm"
	"github.com/thebtf/memforge/pkg/models"
)

func TestExtractKeywords(t *testing.T) {
	text := "Fix the MigrationRunner in internal/db/migrate.go so the database schema " +
		"migration runs before parseConfig. The migration failed twice; migration logs attached."

	kws := ExtractKeywords(text)

	require.NotEmpty(t, kws)
	assert.Equal(t, "internal/db/migrate.go", kws[0], "file paths come first")
	assert.Contains(t, kws, "migrationrunner")
	assert.Contains(t, kws, "parseconfig")
	assert.Contains(t, kws, "database")
	assert.Contains(t, kws, "schema")
	assert.Contains(t, kws, "logs")
	assert.NotContains(t, kws, "the")
	assert.NotContains(t, kws, "fix", "short generic words are dropped")

	for _, kw := range kws {
		assert.Equal(t, strings.ToLower(kw), kw)
	}
}

func TestExtractKeywords_ShortTechTerms(t *testing.T) {
	kws := ExtractKeywords("tweak the ui css and the sql api")
	assert.Subset(t, kws, []string{"ui", "css", "sql", "api"})
}

func TestExtractKeywords_Cap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "distinctword%c%c ", 'a'+i%26, 'a'+i/26)
	}
	kws := ExtractKeywords(b.String())
	assert.Len(t, kws, models.MaxSessionKeywords)
}

func TestExtractKeywords_Empty(t *testing.T) {
	assert.Empty(t, ExtractKeywords(""))
	assert.Empty(t, ExtractKeywords("the and of"))
}

func TestExtractFilePatterns(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "no paths",
			text: "nothing to see",
			want: []string{},
		},
		{
			name: "single path kept literally",
			text: "edited internal/db/store.go",
			want: []string{"internal/db/store.go"},
		},
		{
			name: "siblings collapse to a glob",
			text: "edited internal/db/store.go and internal/db/models.go, then cmd/main.go",
			want: []string{"internal/db/*.go", "cmd/main.go"},
		},
		{
			name: "different extensions stay apart",
			text: "web/app.css web/app.tsx web/theme.css",
			want: []string{"web/*.css", "web/app.tsx"},
		},
		{
			name: "leading dot slash normalized",
			text: "./pkg/a.go pkg/a.go",
			want: []string{"pkg/a.go"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFilePatterns(tt.text))
		})
	}
}

func TestExtractFilePatterns_Cap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "dir%d/file.go ", i)
	}
	assert.Len(t, ExtractFilePatterns(b.String()), models.MaxSessionFilePatterns)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	short := EstimateTokens("hello world")
	long := EstimateTokens(strings.Repeat("hello world ", 100))
	assert.Positive(t, short)
	assert.Greater(t, long, short*50)
}

func TestToMetadata_Variants(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	updated := created.Add(2 * time.Hour)

	tests := []struct {
		name      string
		session   Session
		wantType  models.SessionType
		wantTitle string
		wantAt    int64
	}{
		{
			name: "core memory",
			session: CoreMemory{Memory: &models.Memory{
				ID: "m1", Content: "# Use WAL mode\nSQLite runs in WAL mode.", CreatedAt: created,
			}},
			wantType:  models.SessionTypeCoreMemory,
			wantTitle: "Use WAL mode",
			wantAt:    created.Unix(),
		},
		{
			name: "workflow",
			session: Workflow{Workflow: &models.Workflow{
				ID: "w1", Name: "Release", Description: "cut a release",
				Steps: []string{"tag", "build"}, CreatedAt: created, UpdatedAt: updated,
			}},
			wantType:  models.SessionTypeWorkflow,
			wantTitle: "Release",
			wantAt:    updated.Unix(),
		},
		{
			name: "cli history without title",
			session: CLIHistory{Conversation: &models.Conversation{
				ID: "c1", CreatedAt: created, UpdatedAt: updated,
				Turns: []models.Turn{{Prompt: "fix the flaky test\nplease", FinalOutput: "done"}},
			}},
			wantType:  models.SessionTypeCLIHistory,
			wantTitle: "fix the flaky test",
			wantAt:    updated.Unix(),
		},
		{
			name: "native with zero times",
			session: Native{
				ID: "n1", Title: "Native", Content: "content",
			},
			wantType:  models.SessionTypeNative,
			wantTitle: "Native",
			wantAt:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := ToMetadata(tt.session)
			assert.Equal(t, tt.session.SessionID(), meta.SessionID)
			assert.Equal(t, tt.wantType, meta.SessionType)
			assert.Equal(t, tt.wantTitle, meta.Title)
			assert.Equal(t, tt.wantAt, meta.SourceUpdatedAt)
			assert.NotNil(t, meta.FilePatterns)
		})
	}
}

func TestToMetadata_Stage1RefreshesSourceTime(t *testing.T) {
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	generated := updated.Add(time.Hour)

	meta := ToMetadata(CLIHistory{
		Conversation: &models.Conversation{ID: "c1", Title: "t", UpdatedAt: updated},
		Stage1:       &models.Stage1Output{ThreadID: "c1", RolloutSummary: "summary", GeneratedAt: generated},
	})
	assert.Equal(t, generated.Unix(), meta.SourceUpdatedAt)
	assert.Equal(t, "summary", meta.Summary)
}

type LoaderSuite struct {
	suite.Suite
	store  *gormdb.Store
	loader *Loader
	ctx    context.Context
}

func TestLoaderSuite(t *testing.T) {
	suite.Run(t, new(LoaderSuite))
}

func (s *LoaderSuite) SetupTest() {
	store, err := gormdb.NewStore(gormdb.Config{
		Path:     filepath.Join(s.T().TempDir(), "sessions.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.store = store
	s.loader = NewLoader(store)
	s.ctx = context.Background()
}

func (s *LoaderSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *LoaderSuite) saveConversation(id, prompt string, updated time.Time) {
	s.Require().NoError(gormdb.NewConversationStore(s.store).SaveConversation(s.ctx, &models.Conversation{
		ID:        id,
		Title:     "Session " + id,
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
		Turns:     []models.Turn{{Prompt: prompt, FinalOutput: "ok"}},
	}))
}

func (s *LoaderSuite) TestGet_BuildsOnMiss() {
	s.saveConversation("c1", "migrate the database schema in db/migrations/001.sql", time.Now())

	meta, err := s.loader.Get(s.ctx, "c1")
	s.Require().NoError(err)
	s.Require().NotNil(meta)
	s.Equal(models.SessionTypeCLIHistory, meta.SessionType)
	s.Contains(meta.Keywords, "database")
	s.Equal([]string{"db/migrations/001.sql"}, meta.FilePatterns)

	missing, err := s.loader.Get(s.ctx, "nope")
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *LoaderSuite) TestRefresh_OnlyWhenSourceIsNewer() {
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	wf := &models.Workflow{ID: "w1", Name: "Deploy", Description: "ship it", CreatedAt: base, UpdatedAt: base}

	first, err := s.loader.Refresh(s.ctx, Workflow{Workflow: wf})
	s.Require().NoError(err)
	s.Equal("ship it", first.Summary)

	// Same source time: the cached copy wins
	stale := *wf
	stale.Description = "changed without a newer timestamp"
	got, err := s.loader.Refresh(s.ctx, Workflow{Workflow: &stale})
	s.Require().NoError(err)
	s.Equal("ship it", got.Summary)

	newer := *wf
	newer.Description = "ship it faster"
	newer.UpdatedAt = base.Add(time.Minute)
	got, err = s.loader.Refresh(s.ctx, Workflow{Workflow: &newer})
	s.Require().NoError(err)
	s.Equal("ship it faster", got.Summary)
}

func (s *LoaderSuite) TestRefreshConversation_FoldsStage1() {
	updated := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	s.saveConversation("c1", "style the navbar", updated)

	before, err := s.loader.RefreshConversation(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal("style the navbar", before.Summary)

	s.Require().NoError(gormdb.NewStage1Store(s.store).Upsert(s.ctx, models.Stage1Output{
		ThreadID:        "c1",
		SourceUpdatedAt: updated.Unix(),
		RawMemory:       "# navbar\n\nUsed flexbox",
		RolloutSummary:  "Restyled the navbar with flexbox",
		GeneratedAt:     time.Now().Truncate(time.Second),
	}))

	after, err := s.loader.RefreshConversation(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal("Restyled the navbar with flexbox", after.Summary)
}

func (s *LoaderSuite) TestSync() {
	now := time.Now()
	s.saveConversation("c1", "one", now)
	s.saveConversation("c2", "two", now)
	s.Require().NoError(gormdb.NewConversationStore(s.store).SaveConversation(s.ctx, &models.Conversation{
		ID: "internal", Category: models.CategoryInternal, UpdatedAt: now,
		Turns: []models.Turn{{Prompt: "x"}},
	}))
	s.Require().NoError(gormdb.NewWorkflowStore(s.store).Save(s.ctx, &models.Workflow{
		ID: "w1", Name: "Deploy", CreatedAt: now, UpdatedAt: now,
	}))

	n, err := s.loader.Sync(s.ctx, now.Add(-time.Hour), 100)
	s.Require().NoError(err)
	s.Equal(3, n)

	recent, err := s.loader.Recent(s.ctx, now.Add(-24*time.Hour), 0)
	s.Require().NoError(err)
	ids := make([]string, 0, len(recent))
	for _, m := range recent {
		ids = append(ids, m.SessionID)
	}
	s.ElementsMatch([]string{"c1", "c2", "w1"}, ids)
}

func (s *LoaderSuite) TestGetManyAndTouch() {
	s.saveConversation("c1", "one", time.Now())

	got, err := s.loader.GetMany(s.ctx, []string{"c1", "missing"})
	s.Require().NoError(err)
	s.Len(got, 1)

	s.Require().NoError(s.loader.Touch(s.ctx, []string{"c1"}))
	meta, err := s.loader.Get(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(1, meta.AccessCount)
}
