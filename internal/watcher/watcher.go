// Package watcher provides file-change notifications for dev-mode process
// restarts. It is an optional capability injected into the supervisor's
// caller, never part of the supervision loop, and unused in production
// topologies.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce collapses editor save bursts into one notification
const defaultDebounce = 500 * time.Millisecond

// Watcher reports modifications under a set of paths
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	onChange func(path string)
}

// New creates a watcher over the given paths. Directories are watched
// recursively. onChange is invoked at most once per debounce window.
func New(paths []string, onChange func(path string), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		logger:   logger,
		debounce: defaultDebounce,
		onChange: onChange,
	}

	for _, path := range paths {
		if err := w.add(path); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return w, nil
}

// SetDebounce overrides the debounce window; used by tests
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// add registers a path, descending into subdirectories
func (w *Watcher) add(path string) error {
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return nil
}

// Run consumes filesystem events until the context is canceled. Writes,
// creates, and removals trigger the callback; bursts within the debounce
// window collapse into the first event's path.
func (w *Watcher) Run(ctx context.Context) {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending string
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug("File change detected",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()),
			)

			// New directories need to be picked up for recursive coverage.
			if event.Op&fsnotify.Create != 0 {
				_ = w.fsw.Add(event.Name)
			}

			if timerC == nil {
				pending = event.Name
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			}

		case <-timerC:
			timerC = nil
			w.logger.Info("Triggering change callback",
				slog.String("path", pending),
			)
			w.onChange(pending)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error",
				slog.Any("error", err),
			)
		}
	}
}

// Close releases the underlying watcher
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
