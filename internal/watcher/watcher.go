package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Event represents a change to a file matching the watch pattern.
type Event struct {
	Path string
	Op   fsnotify.Op
}

// Watcher monitors one log directory using OS-level notifications and
// forwards events for file names matching a doublestar pattern.
type Watcher struct {
	fsw     *fsnotify.Watcher
	Events  chan Event
	dir     string
	pattern string

	mu       sync.Mutex
	watching bool
}

// New creates a Watcher for dir. The directory may not exist yet; call
// Ensure later to retry.
func New(dir, pattern string) (*Watcher, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, &os.PathError{Op: "watch", Path: pattern, Err: doublestar.ErrBadPattern}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		Events:  make(chan Event, 256),
		dir:     dir,
		pattern: pattern,
	}
	w.Ensure()
	return w, nil
}

// Ensure starts watching the directory if that has not succeeded yet.
// It reports whether the directory is being watched.
func (w *Watcher) Ensure() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching {
		return true
	}
	abs, err := filepath.Abs(w.dir)
	if err != nil {
		abs = w.dir
	}
	if err := w.fsw.Add(abs); err != nil {
		slog.Debug("log directory not watchable yet", "dir", abs, "err", err)
		return false
	}
	w.watching = true
	slog.Debug("watching log directory", "dir", abs)
	return true
}

// Start begins listening for file events. It blocks until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	defer w.fsw.Close()
	defer close(w.Events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !Match(w.pattern, ev.Name) {
				continue
			}
			// Forward relevant events (write, create, remove, rename).
			switch {
			case ev.Op&fsnotify.Write != 0,
				ev.Op&fsnotify.Create != 0,
				ev.Op&fsnotify.Remove != 0,
				ev.Op&fsnotify.Rename != 0:
				select {
				case w.Events <- Event{Path: ev.Name, Op: ev.Op}:
				default:
					// The tailer also polls, so a missed wake-up only adds latency.
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "err", err)
		}
	}
}

// Match reports whether the base name of path matches pattern.
func Match(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, filepath.Base(path))
	return err == nil && ok
}

// Glob lists the files directly inside dir whose names match pattern.
// Matching is done on names only, so glob characters in dir are harmless.
func Glob(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || !Match(pattern, e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}
