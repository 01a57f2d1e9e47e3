// Package watch monitors an offsets file and invokes a callback when
// it changes, so a running review session picks up externally
// regenerated offsets without a restart.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the write bursts editors and exporters
// produce when replacing a file.
const DefaultDebounce = 250 * time.Millisecond

// OffsetsWatcher watches one offsets file via fsnotify.
type OffsetsWatcher struct {
	path     string
	delay    time.Duration
	onChange func(path string)

	mu       sync.Mutex
	debounce *time.Timer
}

// New creates a watcher that calls onChange with the file path after
// each settled change. A non-positive delay uses DefaultDebounce.
func New(path string, delay time.Duration, onChange func(path string)) (*OffsetsWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("no offsets file to watch")
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is required")
	}
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &OffsetsWatcher{path: path, delay: delay, onChange: onChange}, nil
}

// Run watches until the context is canceled. The parent directory is
// watched rather than the file itself, because most writers replace
// the file and break an inode-level watch.
func (w *OffsetsWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.Info().Str("path", w.path).Msg("watching offsets file")

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("offsets watcher error")
		}
	}
}

func (w *OffsetsWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, func() {
		log.Info().Str("path", w.path).Msg("offsets file changed")
		w.onChange(w.path)
	})
}

func (w *OffsetsWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
}
