package collections

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collections.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	r, err := Load("/nonexistent/path/that/does/not/exist.yml")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Empty(t, r.All())
	assert.Empty(t, r.Names())
}

func TestLoadValidYAML(t *testing.T) {
	path := writeYAML(t, `
collections:
  - name: cli_history
    description: Session memories
    probes:
      - "fixed a flaky test"
      - "upgraded a dependency"
  - name: runbooks
    description: Operational runbooks
`)

	r, err := Load(path)
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "cli_history", all[0].Name)
	assert.Equal(t, "runbooks", all[1].Name)

	c, ok := r.Get("cli_history")
	require.True(t, ok)
	assert.Equal(t, []string{"fixed a flaky test", "upgraded a dependency"}, c.ProbeTexts())

	c, ok = r.Get("runbooks")
	require.True(t, ok)
	assert.Equal(t, []string{"Operational runbooks"}, c.ProbeTexts(), "description is the fallback probe")

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeYAML(t, ":\tinvalid:\tyaml:\t[unclosed")

	r, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestLoadRequiresNames(t *testing.T) {
	path := writeYAML(t, `
collections:
  - description: nameless
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	path := writeYAML(t, `
collections:
  - name: zebra
    description: Last alphabetically
  - name: alpha
    description: First alphabetically
  - name: mango
    description: Middle alphabetically
`)

	r, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "mango", "zebra"}, r.Names())

	// All() preserves definition order (zebra, alpha, mango)
	all := r.All()
	assert.Equal(t, "zebra", all[0].Name)
	assert.Equal(t, "alpha", all[1].Name)
	assert.Equal(t, "mango", all[2].Name)
}

func TestDefault(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{"cli_history", "core_memory", "native", "workflow"}, r.Names())
	for _, c := range r.All() {
		assert.NotEmpty(t, c.ProbeTexts(), c.Name)
	}

	// Registries do not share probe slices
	c, _ := r.Get("cli_history")
	c.Probes[0] = "changed"
	fresh, _ := Default().Get("cli_history")
	assert.NotEqual(t, "changed", fresh.Probes[0])
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeYAML(t, `
collections:
  - name: native
    disabled: true
  - name: cli_history
    probes: ["migrated the database schema"]
  - name: runbooks
    probes: ["restart the service"]
`)

	r, err := LoadWithDefaults(path)
	require.NoError(t, err)

	names := make([]string, 0)
	for _, c := range r.Enabled() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"cli_history", "core_memory", "workflow", "runbooks"}, names)

	c, _ := r.Get("cli_history")
	assert.Equal(t, []string{"migrated the database schema"}, c.ProbeTexts())

	missing, err := LoadWithDefaults(filepath.Join(t.TempDir(), "none.yml"))
	require.NoError(t, err)
	assert.Len(t, missing.All(), 4)
}

func TestProbeTexts_Nil(t *testing.T) {
	var c *Collection
	assert.Nil(t, c.ProbeTexts())
	assert.Empty(t, (&Collection{Probes: []string{""}}).ProbeTexts())
}
