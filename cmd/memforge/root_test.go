package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/memforge/pkg/models"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLIIn(t, t.TempDir(), args...)
}

func runCLIIn(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MEMFORGE_DATA_DIR", dir)
	t.Setenv("MEMFORGE_LLM_API_KEY", "")
	t.Setenv("MEMFORGE_LLM_BASE_URL", "")
	t.Setenv("OPENAI_API_KEY", "")

	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestSearch_EmptyStore(t *testing.T) {
	out, err := runCLI(t, "search", "database", "migration")
	require.NoError(t, err)

	var results []models.UnifiedSearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	assert.Empty(t, results)
}

func TestRootCreatesDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MEMFORGE_DATA_DIR", dir)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"patterns"})
	require.NoError(t, cmd.Execute())

	for _, name := range []string{"settings.json", "memforge.db", "patterns"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestPatterns_EmptyIndex(t *testing.T) {
	out, err := runCLI(t, "patterns")
	require.NoError(t, err)
	assert.Contains(t, out, `"chunks_scanned": 0`)
}

func TestCluster_Gated(t *testing.T) {
	out, err := runCLI(t, "cluster")
	require.NoError(t, err)
	assert.Contains(t, out, `"considered": 0`)
}

func TestCluster_IncrementalNeedsSessions(t *testing.T) {
	_, err := runCLI(t, "cluster", "--incremental")
	assert.Error(t, err)
}

func TestCluster_ExclusiveFlags(t *testing.T) {
	_, err := runCLI(t, "cluster", "--dedup", "--list")
	assert.Error(t, err)
}

func TestRecommend_UnknownMemory(t *testing.T) {
	_, err := runCLI(t, "recommend", "missing")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "memory not found"))
}

func TestExtract_RequiresCredentials(t *testing.T) {
	_, err := runCLI(t, "extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm")
}

func TestIngestThenSearch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(t.TempDir(), "conversations.json")
	require.NoError(t, os.WriteFile(file, []byte(`[
  {"id": "conv-1", "title": "WAL", "turns": [{"prompt": "enable sqlite WAL journal mode"}]},
  {"id": "conv-2", "title": "css", "turns": [{"prompt": "tidy the tailwind classes"}]}
]`), 0o600))

	out, err := runCLIIn(t, dir, "ingest", file)
	require.NoError(t, err)
	assert.Contains(t, out, `"saved": 2`)

	out, err = runCLIIn(t, dir, "search", "journal")
	require.NoError(t, err)
	var results []models.UnifiedSearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "conv-1", results[0].SourceID)
	assert.NotNil(t, results[0].RankSources.FTSRank)
}

func TestDecodeConversations(t *testing.T) {
	convs, err := decodeConversations([]byte(`  {"id": "one", "turns": []}`))
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "one", convs[0].ID)

	convs, err = decodeConversations([]byte(`[{"id": "a"}, {"id": "b"}]`))
	require.NoError(t, err)
	assert.Len(t, convs, 2)

	_, err = decodeConversations([]byte(`{"id": `))
	assert.Error(t, err)
}

func TestCluster_UnknownMembers(t *testing.T) {
	_, err := runCLI(t, "cluster", "--members", "nope")
	assert.Error(t, err)
}

func TestCluster_ArchiveUnknown(t *testing.T) {
	_, err := runCLI(t, "cluster", "--archive", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster not found")
}
