package tailer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/lorddemonos/killfeed/internal/metrics"
	"github.com/lorddemonos/killfeed/internal/model"
	"github.com/lorddemonos/killfeed/internal/watcher"
)

// DefaultPattern matches game client logs, e.g. eqlog_Soandso_pq.proj.txt.
const DefaultPattern = "eqlog_*_*.txt"

// maxPartial bounds a line that never ends.
const maxPartial = 1 << 20

// Config controls discovery and polling.
type Config struct {
	Dir         string
	Pattern     string
	Interval    time.Duration
	RescanEvery int
}

func DefaultConfig(dir string) Config {
	return Config{Dir: dir, Pattern: DefaultPattern, Interval: time.Second, RescanEvery: 10}
}

// Tailer follows the most recently modified log file in a directory and
// emits each complete line appended to it exactly once. A newly activated
// file is always read from its end, never from the start.
type Tailer struct {
	cfg   Config
	out   chan model.RawLine
	watch *watcher.Watcher

	mu        sync.Mutex
	active    string
	offset    int64
	character string

	partial []byte
	ticks   int
}

// New creates a Tailer. w is optional; without it the Tailer only polls.
func New(cfg Config, w *watcher.Watcher) *Tailer {
	def := DefaultConfig(cfg.Dir)
	if cfg.Pattern == "" {
		cfg.Pattern = def.Pattern
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RescanEvery <= 0 {
		cfg.RescanEvery = def.RescanEvery
	}
	return &Tailer{
		cfg:   cfg,
		out:   make(chan model.RawLine, 512),
		watch: w,
	}
}

// Lines returns the channel where raw log lines are sent.
func (t *Tailer) Lines() <-chan model.RawLine {
	return t.out
}

// Active returns the file being tailed and the read cursor.
func (t *Tailer) Active() (string, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.offset
}

// ActiveCharacter returns the character name of the active file.
func (t *Tailer) ActiveCharacter() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.character
}

// Start polls until ctx is cancelled. Blocks.
func (t *Tailer) Start(ctx context.Context) {
	defer close(t.out)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	var events <-chan watcher.Event
	if t.watch != nil {
		events = t.watch.Events
	}

	t.rescan()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			t.ticks++
			// Until a log file exists, look for one on every tick.
			if t.ticks%t.cfg.RescanEvery == 0 || t.activePath() == "" {
				if t.watch != nil {
					t.watch.Ensure()
				}
				t.rescan()
			}
			if !t.readNew(ctx) {
				return
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				t.rescan()
			}
			if ev.Op&fsnotify.Write != 0 && sameFile(ev.Path, t.activePath()) {
				if !t.readNew(ctx) {
					return
				}
			}
		}
	}
}

func (t *Tailer) activePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// rescan activates the newest matching file if it differs from the current one.
func (t *Tailer) rescan() {
	paths, err := watcher.Glob(t.cfg.Dir, t.cfg.Pattern)
	if err != nil {
		slog.Debug("log directory unavailable", "dir", t.cfg.Dir, "err", err)
		return
	}

	var newest string
	var newestMod time.Time
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		if newest == "" || st.ModTime().After(newestMod) {
			newest, newestMod = p, st.ModTime()
		}
	}
	if newest == "" || sameFile(newest, t.activePath()) {
		return
	}
	t.activate(newest)
}

// activate switches to path and positions the cursor at its end.
func (t *Tailer) activate(path string) {
	var end int64
	if st, err := os.Stat(path); err == nil {
		end = st.Size()
	}

	t.mu.Lock()
	prev := t.active
	t.active = path
	t.offset = end
	t.character = CharacterFromPath(path)
	char := t.character
	t.mu.Unlock()

	t.partial = nil
	metrics.ActiveFileSwitches.Inc()
	slog.Info("active log file", "path", path, "character", char, "offset", end, "previous", prev)
}

// readNew emits lines appended since the cursor. It returns false when ctx
// was cancelled while emitting.
func (t *Tailer) readNew(ctx context.Context) bool {
	path, offset := t.Active()
	if path == "" {
		return true
	}

	f, err := os.Open(path)
	if err != nil {
		slog.Warn("cannot open active log, will retry", "path", path, "err", err)
		return true
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		slog.Warn("cannot stat active log, will retry", "path", path, "err", err)
		return true
	}

	size := st.Size()
	if size < offset {
		slog.Warn("active log shrank, treating as truncated", "path", path, "offset", offset, "size", size)
		t.setOffset(size)
		t.partial = nil
		return true
	}
	if size == offset {
		return true
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		slog.Warn("seek failed, will retry", "path", path, "err", err)
		return true
	}
	data, err := io.ReadAll(io.LimitReader(f, size-offset))
	if err != nil {
		slog.Warn("read failed, will retry", "path", path, "err", err)
		return true
	}

	return t.emit(ctx, path, offset, data)
}

// emit splits data into lines. Bytes after the last newline are held until
// the rest of their line arrives.
func (t *Tailer) emit(ctx context.Context, path string, offset int64, data []byte) bool {
	buf := append(t.partial, data...)
	start := offset - int64(len(t.partial))

	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		end := start + int64(i) + 1
		text := strings.TrimRight(string(buf[:i]), "\r")
		if !utf8.ValidString(text) {
			text = strings.ToValidUTF8(text, "�")
		}
		buf = buf[i+1:]

		if strings.TrimSpace(text) != "" {
			metrics.LinesRead.Inc()
			select {
			case t.out <- model.RawLine{Text: text, Source: path, Start: start, End: end}:
			case <-ctx.Done():
				return false
			}
		}
		start = end
	}

	if len(buf) > maxPartial {
		slog.Warn("dropping oversized partial line", "path", path, "bytes", len(buf))
		buf = nil
	}
	t.partial = append([]byte(nil), buf...)
	t.setOffset(offset + int64(len(data)))
	return true
}

func (t *Tailer) setOffset(off int64) {
	t.mu.Lock()
	t.offset = off
	t.mu.Unlock()
}

// CharacterFromPath extracts the character name from eqlog_<Name>_<server>.txt.
func CharacterFromPath(path string) string {
	parts := strings.Split(filepath.Base(path), "_")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

func sameFile(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}
