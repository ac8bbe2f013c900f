// Package replay writes a captured set of log lines into a fresh log file,
// one kill at a time, so the live pipeline can be exercised end to end.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lorddemonos/killfeed/internal/model"
	"github.com/lorddemonos/killfeed/internal/parser"
)

const (
	// MinInterval keeps consecutive batches outside the same-kill window.
	MinInterval = 10 * time.Second
	// BatchSpan groups lines of one target whose times are this close.
	BatchSpan = 5 * time.Second

	DefaultCharacter = "SimTest"
	DefaultServer    = "pq.proj"
)

var stampPrefix = regexp.MustCompile(`^\[[^\]]+\]`)

// Capture is the JSON layout of a saved capture.
type Capture struct {
	Lines []string `json:"lines"`
}

// LoadCapture reads a capture file. JSON captures use {"lines": [...]};
// anything else is read as plain log text, one line per line.
func LoadCapture(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var c Capture
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, fmt.Errorf("decode capture %s: %w", path, err)
		}
		return nonEmpty(c.Lines), nil
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan capture %s: %w", path, err)
	}
	return nonEmpty(lines), nil
}

func nonEmpty(lines []string) []string {
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// BuildBatches groups consecutive lines that describe one kill: same target
// and a log time within BatchSpan of the batch's first line. Lines that do
// not parse start their own batch.
func BuildBatches(lines []string, p parser.Parser) [][]string {
	if p == nil {
		p = parser.NewKillParser()
	}

	var (
		batches [][]string
		current []string
		target  string
		start   time.Time
		startOK bool
	)
	for _, line := range lines {
		ev, ok := p.Parse(line, "")
		var (
			key  string
			at   time.Time
			atOK bool
		)
		if ok {
			key = ev.TargetKey()
			if t, err := ev.Time(); err == nil {
				at, atOK = t, true
			}
		}

		if len(current) > 0 && key != "" && key == target && atOK && startOK && absDuration(at.Sub(start)) <= BatchSpan {
			current = append(current, line)
			continue
		}
		if len(current) > 0 {
			batches = append(batches, current)
		}
		current = []string{line}
		target, start, startOK = key, at, atOK
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Restamp replaces the leading [timestamp] of line with now.
func Restamp(line string, now time.Time) string {
	return stampPrefix.ReplaceAllLiteralString(line, "["+model.FormatTimestamp(now)+"]")
}

// Config configures a Writer.
type Config struct {
	Dir       string
	Character string
	Server    string
	Interval  time.Duration
	// Now overrides the clock used for rewritten timestamps.
	Now func() time.Time
}

// Writer appends batches to a simulated log file.
type Writer struct {
	path     string
	interval time.Duration
	now      func() time.Time
}

// NewWriter creates the log file eqlog_<Character>_<Server>.txt in Dir.
// Intervals below MinInterval are raised to it.
func NewWriter(cfg Config) (*Writer, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("replay needs a log directory")
	}
	if fi, err := os.Stat(cfg.Dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("log directory %s does not exist", cfg.Dir)
	}
	char := strings.TrimSpace(cfg.Character)
	if char == "" {
		char = DefaultCharacter
	}
	server := strings.TrimSpace(cfg.Server)
	if server == "" {
		server = DefaultServer
	}
	if cfg.Interval < MinInterval {
		slog.Debug("replay interval raised", "requested", cfg.Interval, "interval", MinInterval)
		cfg.Interval = MinInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	w := &Writer{
		path:     filepath.Join(cfg.Dir, fmt.Sprintf("eqlog_%s_%s.txt", char, server)),
		interval: cfg.Interval,
		now:      now,
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", w.path, err)
	}
	return w, f.Close()
}

// Path returns the simulated log file.
func (w *Writer) Path() string { return w.path }

// Interval returns the effective pause between batches.
func (w *Writer) Interval() time.Duration { return w.interval }

// WriteBatch appends one batch, every line stamped with the same time.
func (w *Writer) WriteBatch(batch []string) error {
	now := w.now()
	var buf strings.Builder
	for _, line := range batch {
		buf.WriteString(Restamp(line, now))
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(buf.String()); err != nil {
		return fmt.Errorf("append %s: %w", w.path, err)
	}
	return nil
}

// Run writes one batch per interval, the first after one interval, until
// all batches are written or ctx is cancelled. It returns the number of
// batches written.
func (w *Writer) Run(ctx context.Context, batches [][]string) (int, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("replay started", "batches", len(batches), "interval", w.interval, "log", w.path)
	for i, batch := range batches {
		select {
		case <-ctx.Done():
			slog.Info("replay stopped", "written", i, "batches", len(batches))
			return i, nil
		case <-ticker.C:
		}
		if err := w.WriteBatch(batch); err != nil {
			// A failed write is reported and the replay carries on.
			slog.Warn("replay write failed", "batch", i+1, "err", err)
			continue
		}
		slog.Info("replay batch written", "batch", i+1, "of", len(batches), "lines", len(batch))
	}
	return len(batches), nil
}
