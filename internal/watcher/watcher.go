// Package watcher notifies when a file or directory changes or disappears.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces bursts of events on the target.
const DefaultDebounce = 100 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	// Ops selects the events that fire the callback. Zero means removal only.
	Ops      fsnotify.Op
	Debounce time.Duration
}

// Watcher calls onEvent when the target path sees one of the selected
// operations. It watches the parent directory since fsnotify cannot watch
// files that do not exist yet, and editors often replace files by rename.
type Watcher struct {
	targetPath string
	parentPath string
	onEvent    func(fsnotify.Op)
	opts       Options
	fsw        *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	pending fsnotify.Op
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a watcher for targetPath.
func New(targetPath string, opts Options, onEvent func(fsnotify.Op)) (*Watcher, error) {
	if onEvent == nil {
		return nil, fmt.Errorf("callback is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if opts.Ops == 0 {
		opts.Ops = fsnotify.Remove
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	target := filepath.Clean(targetPath)
	return &Watcher{
		targetPath: target,
		parentPath: filepath.Dir(target),
		onEvent:    onEvent,
		opts:       opts,
		fsw:        fsw,
	}, nil
}

// Start begins watching until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if _, err := os.Stat(w.parentPath); err != nil {
		return fmt.Errorf("watch %s: %w", w.parentPath, err)
	}
	if err := w.fsw.Add(w.parentPath); err != nil {
		return fmt.Errorf("watch %s: %w", w.parentPath, err)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true
	go w.loop(ctx)
	return nil
}

// Stop ends the watch and waits for the event loop to exit. A debounced
// callback that has not fired yet is dropped.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fsw.Close()
	}
	w.running = false
	w.cancel()
	if w.timer != nil {
		w.timer.Stop()
	}
	done := w.done
	w.mu.Unlock()

	err := w.fsw.Close()
	<-done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", w.targetPath).Msg("Watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.targetPath {
		return
	}
	op := event.Op & w.opts.Ops
	if op == 0 {
		return
	}
	log.Debug().Str("path", w.targetPath).Str("op", event.Op.String()).Msg("Watched path changed")

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.pending |= op
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	op := w.pending
	w.pending = 0
	running := w.running
	w.mu.Unlock()
	if running && op != 0 {
		w.onEvent(op)
	}
}
