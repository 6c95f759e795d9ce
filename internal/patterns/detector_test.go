package patterns

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	gormdb "github.com/thebtf/memforge/internal/db/gorm"
	"github.com/thebtf/memforge/internal/vector"
	"github.com/thebtf/memforge/internal/vector/chromemdb"
	"github.com/thebtf/memforge/pkg/models"
)

func TestConfidence(t *testing.T) {
	tests := []struct {
		name     string
		avg      float64
		sessions int
		want     float64
	}{
		{"three sessions", 0.9, 3, 0.6*0.9 + 0.4*0.3},
		{"ten sessions saturate", 0.9, 10, 0.6*0.9 + 0.4},
		{"beyond ten", 0.9, 25, 0.6*0.9 + 0.4},
		{"zero similarity", 0, 5, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.avg, tt.sessions), 1e-9)
		})
	}
}

func TestShouldSolidify_Boundary(t *testing.T) {
	assert.True(t, ShouldSolidify(0.8, 0.8))
	assert.False(t, ShouldSolidify(0.7999, 0.8))
	assert.True(t, ShouldSolidify(0.95, 0.8))
}

func TestPatternName(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		want  string
	}{
		{
			name: "shared bigrams",
			texts: []string{
				"Run database migrations before starting the server",
				"database migrations must run before deploy; starting server after",
				"We ran database migrations again",
			},
			want: "database migrations starting server",
		},
		{
			name:  "bigram in one text only is not shared",
			texts: []string{"cache warmup script", "warmup cache"},
			want:  "cache warmup script",
		},
		{
			name:  "no shared bigram uses top words",
			texts: []string{"lint errors everywhere", "errors from lint job"},
			want:  "errors lint everywhere",
		},
		{
			name:  "nothing usable",
			texts: []string{"a an the", "it is"},
			want:  fallbackName,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, patternName(tt.texts))
		})
	}
}

func TestPatternName_CappedAndDeterministic(t *testing.T) {
	texts := []string{
		"extraordinarily verbose identifier names everywhere extraordinarily verbose identifier names",
		"extraordinarily verbose identifier names everywhere",
	}
	first := patternName(texts)
	assert.LessOrEqual(t, len([]rune(first)), maxNameRunes)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, patternName(texts))
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "database-migrations-before-starting", slugify("database migrations before starting"))
	assert.Equal(t, "fix-ci", slugify("  Fix: CI!! "))
	assert.Equal(t, "pattern", slugify("!!!"))
}

func TestPrefixHash(t *testing.T) {
	assert.Equal(t, prefixHash("Hello   World"), prefixHash("hello world"))
	assert.NotEqual(t, prefixHash("hello world"), prefixHash("hello there"))

	long := strings.Repeat("x", prefixHashBytes)
	assert.Equal(t, prefixHash(long+" tail one"), prefixHash(long+" tail two"), "only the prefix counts")
}

func TestArtifactRoundTrip(t *testing.T) {
	p := models.DetectedPattern{
		ID:             "id-1",
		Name:           "always run generate",
		Representative: "Always run go generate.",
		Category:       "cli_history",
		SourceIDs:      []string{"s1", "s2", "s3"},
		SessionCount:   3,
		AvgSimilarity:  0.93,
		Confidence:     0.678,
	}
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	path, err := writeArtifact(t.TempDir(), p, at)
	require.NoError(t, err)
	assert.Equal(t, "always-run-generate.md", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fm, body, err := ParseArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, "id-1", fm.ID)
	assert.Equal(t, []string{"s1", "s2", "s3"}, fm.SessionIDs)
	assert.Equal(t, 3, fm.SessionCount)
	assert.True(t, at.Equal(fm.DetectedAt))
	assert.True(t, strings.HasPrefix(body, "# always run generate"))
	assert.Contains(t, body, "- s2\n")

	_, _, err = ParseArtifact([]byte("# no header"))
	assert.Error(t, err)
}

const recurringText = "Always run go generate before committing protobuf changes to the api package"

type DetectorSuite struct {
	suite.Suite
	ctx      context.Context
	store    *gormdb.Store
	memories *gormdb.MemoryStore
	index    *chromemdb.Index
	dir      string
}

func TestDetectorSuite(t *testing.T) {
	suite.Run(t, new(DetectorSuite))
}

func (s *DetectorSuite) SetupTest() {
	s.ctx = context.Background()
	store, err := gormdb.NewStore(gormdb.Config{
		Path:     filepath.Join(s.T().TempDir(), "patterns.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.store = store
	s.memories = gormdb.NewMemoryStore(store)
	s.index, err = chromemdb.New(chromemdb.Config{}, vector.NewHashEmbedder(256), nil)
	s.Require().NoError(err)
	s.dir = filepath.Join(s.T().TempDir(), "patterns")
}

func (s *DetectorSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *DetectorSuite) add(id, text string) {
	_, err := s.index.IndexContent(s.ctx, text, vector.Metadata{
		SourceID:   id,
		SourceType: "cli_history",
		Category:   "cli_history",
	})
	s.Require().NoError(err)
}

func (s *DetectorSuite) detector() *Detector {
	opts := DefaultOptions()
	opts.ArtifactsDir = s.dir
	return NewDetector(s.index, s.memories, nil, opts)
}

func (s *DetectorSuite) TestDetect_SolidifiesRecurringContent() {
	for i := 0; i < 6; i++ {
		s.add(fmt.Sprintf("session-%d", i), recurringText)
	}
	s.add("noise-1", "Investigated a kernel panic in the network driver after resume")
	s.add("noise-2", "Wrote release notes for the quarterly marketing newsletter")

	result, err := s.detector().Detect(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, result.ChunksScanned, "identical chunks collapse by content hash")
	s.Require().Len(result.Candidates, 1)

	p := result.Candidates[0]
	s.Equal(6, p.SessionCount)
	s.Len(p.SourceIDs, 6)
	s.InDelta(1.0, p.AvgSimilarity, 1e-3)
	s.InDelta(0.84, p.Confidence, 1e-3)
	s.Equal("always run api package", p.Name)
	s.Equal("cli_history", p.Category)
	s.Equal([]string{p.Name}, result.Solidified)

	mems, err := s.memories.ListByCategory(s.ctx, Category, 0)
	s.Require().NoError(err)
	s.Require().Len(mems, 1)
	s.Equal(p.ID, mems[0].ID)
	s.Equal(float64(6), mems[0].Metadata["session_count"])
	s.Len(mems[0].Metadata["session_ids"], 6)

	s.Require().Len(result.Artifacts, 1)
	data, err := os.ReadFile(result.Artifacts[0])
	s.Require().NoError(err)
	fm, _, err := ParseArtifact(data)
	s.Require().NoError(err)
	s.Equal(p.ID, fm.ID)

	// A second pass updates the same memory
	_, err = s.detector().Detect(s.ctx)
	s.Require().NoError(err)
	mems, err = s.memories.ListByCategory(s.ctx, Category, 0)
	s.Require().NoError(err)
	s.Len(mems, 1)
}

func (s *DetectorSuite) TestDetect_TwoSessionsAreNotACandidate() {
	s.add("a", recurringText)
	s.add("b", recurringText)

	result, err := s.detector().Detect(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Groups, "two sessions form a group")
	s.Empty(result.Candidates, "but a candidate needs three")
	s.Empty(result.Solidified)
}

func (s *DetectorSuite) TestDetect_BelowSolidifyThreshold() {
	for i := 0; i < 3; i++ {
		s.add(fmt.Sprintf("s%d", i), recurringText)
	}

	result, err := s.detector().Detect(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(result.Candidates, 1)
	// 0.6 + 0.4*0.3 = 0.72
	s.Less(result.Candidates[0].Confidence, 0.8)
	s.Empty(result.Solidified)

	mems, err := s.memories.ListByCategory(s.ctx, Category, 0)
	s.Require().NoError(err)
	s.Empty(mems)
}

func (s *DetectorSuite) TestDetect_EmptyIndex() {
	result, err := s.detector().Detect(s.ctx)
	s.Require().NoError(err)
	s.Zero(result.ChunksScanned)
	s.Empty(result.Candidates)
}

func (s *DetectorSuite) TestDetect_RespectsMaxChunks() {
	for i := 0; i < 5; i++ {
		s.add(fmt.Sprintf("s%d", i), fmt.Sprintf("distinct topic number %d about subject %d", i, i*7))
	}
	d := s.detector()
	d.opts.MaxChunks = 2

	result, err := d.Detect(s.ctx)
	s.Require().NoError(err)
	s.Positive(result.ChunksScanned)
	s.LessOrEqual(result.ChunksScanned, 2)
}

func (s *DetectorSuite) TestAfterExtraction() {
	s.Require().NoError(s.detector().AfterExtraction(s.ctx, []string{"x"}))
}
