package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	ops []fsnotify.Op
}

func (r *recorder) record(op fsnotify.Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recorder) snapshot() []fsnotify.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fsnotify.Op(nil), r.ops...)
}

func start(t *testing.T, path string, opts Options, rec *recorder) *Watcher {
	t.Helper()
	w, err := New(path, opts, rec.record)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWatcher_Removal(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o600))

	rec := &recorder{}
	start(t, target, Options{Debounce: 20 * time.Millisecond}, rec)

	require.NoError(t, os.Remove(target))
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.NotZero(t, rec.snapshot()[0]&fsnotify.Remove)
}

func TestWatcher_WritesAreDebounced(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o600))

	rec := &recorder{}
	start(t, target, Options{Ops: fsnotify.Write | fsnotify.Create | fsnotify.Remove, Debounce: 100 * time.Millisecond}, rec)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(target, []byte(`{"n":1}`), 0o600))
	}
	assert.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestWatcher_IgnoresOtherFilesAndOps(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o600))

	rec := &recorder{}
	start(t, target, Options{Debounce: 10 * time.Millisecond}, rec)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o600))
	require.NoError(t, os.Remove(filepath.Join(dir, "other.json")))
	require.NoError(t, os.WriteFile(target, []byte(`{"a":1}`), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestWatcher_StopDropsPending(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o600))

	rec := &recorder{}
	w, err := New(target, Options{Debounce: time.Hour}, rec.record)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()), "second start is a no-op")

	require.NoError(t, os.Remove(target))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.Empty(t, rec.snapshot())
}

func TestNew_Validation(t *testing.T) {
	_, err := New("/tmp/x", Options{}, nil)
	assert.Error(t, err)

	w, err := New(filepath.Join(t.TempDir(), "missing", "settings.json"), Options{}, func(fsnotify.Op) {})
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()), "parent directory must exist")
}
