// Package buffer collects the lines that describe one kill for a short time
// and then picks a single representative. Zone relays carry more detail than
// lockout notices, so a zone event wins whenever the window holds one.
//
// Timers never touch scheduler state. When a deadline passes the scheduler
// calls the notify function with a Closing, and the owner of the scheduler
// hands it back to Close from its own goroutine.
package buffer

import (
	"time"

	"github.com/lorddemonos/killfeed/internal/model"
)

// Config holds the window timings.
type Config struct {
	// Delay is how long a window stays open after its first event.
	Delay time.Duration
	// Span is the largest log-time distance from the first event for which a
	// later event still describes the same kill.
	Span time.Duration
}

func DefaultConfig() Config {
	return Config{Delay: 3 * time.Second, Span: 9 * time.Second}
}

// Closing asks the owner to close a window. Seq tells apart successive
// windows of the same target.
type Closing struct {
	Key string
	Seq uint64
}

// Placement tells where Join put an event.
type Placement int

const (
	// Joined means the event was buffered as another report of the kill.
	Joined Placement = iota
	// Parked means the event is a different kill of the same target; it is
	// handed back through Selection.Overflow when the window closes.
	Parked
	// NoWindow means no window is open for the event's target.
	NoWindow
)

// Selection is the outcome of a closed window.
type Selection struct {
	Key      string
	Winner   model.KillEvent
	Skipped  []model.KillEvent
	Overflow []model.KillEvent
}

type window struct {
	seq      uint64
	events   []model.KillEvent
	overflow []model.KillEvent
	first    time.Time
	firstOK  bool
	timer    *time.Timer
	closed   bool
}

// Scheduler owns the open windows. It is not safe for concurrent use; only
// the notify callback runs on timer goroutines.
type Scheduler struct {
	cfg     Config
	notify  func(Closing)
	windows map[string]*window
	seq     uint64
}

// New creates a Scheduler. notify must not block for long.
func New(cfg Config, notify func(Closing)) *Scheduler {
	def := DefaultConfig()
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.Span <= 0 {
		cfg.Span = def.Span
	}
	return &Scheduler{
		cfg:     cfg,
		notify:  notify,
		windows: make(map[string]*window),
	}
}

// IsOpen reports whether a window is open for target.
func (s *Scheduler) IsOpen(target string) bool {
	_, ok := s.windows[model.TargetKey(target)]
	return ok
}

// Len returns the number of open windows.
func (s *Scheduler) Len() int {
	return len(s.windows)
}

// Open starts a window holding ev. If one is already open for the target,
// ev is joined to it instead.
func (s *Scheduler) Open(ev model.KillEvent) Closing {
	key := ev.TargetKey()
	if w, ok := s.windows[key]; ok {
		s.place(w, ev)
		return Closing{Key: key, Seq: w.seq}
	}

	s.seq++
	w := &window{seq: s.seq, events: []model.KillEvent{ev}}
	w.first, w.firstOK = parseTime(ev)

	c := Closing{Key: key, Seq: w.seq}
	w.timer = time.AfterFunc(s.cfg.Delay, func() { s.notify(c) })
	s.windows[key] = w
	return c
}

// Join adds ev to the open window of its target.
func (s *Scheduler) Join(ev model.KillEvent) Placement {
	w, ok := s.windows[ev.TargetKey()]
	if !ok || w.closed {
		return NoWindow
	}
	return s.place(w, ev)
}

func (s *Scheduler) place(w *window, ev model.KillEvent) Placement {
	if at, ok := parseTime(ev); ok && w.firstOK {
		if d := at.Sub(w.first); d > s.cfg.Span || d < -s.cfg.Span {
			w.overflow = append(w.overflow, ev)
			return Parked
		}
	}
	w.events = append(w.events, ev)
	return Joined
}

// Close ends the window named by c and returns its selection. Closings for
// a window that is already gone or was replaced are ignored.
func (s *Scheduler) Close(c Closing) (Selection, bool) {
	w, ok := s.windows[c.Key]
	if !ok || w.seq != c.Seq || w.closed {
		return Selection{}, false
	}

	w.closed = true
	w.timer.Stop()
	delete(s.windows, c.Key)

	return selectWinner(c.Key, w), true
}

// CloseAll closes every open window now, e.g. on shutdown.
func (s *Scheduler) CloseAll() []Selection {
	out := make([]Selection, 0, len(s.windows))
	for key, w := range s.windows {
		if sel, ok := s.Close(Closing{Key: key, Seq: w.seq}); ok {
			out = append(out, sel)
		}
	}
	return out
}

// selectWinner picks the first zone event, falling back to the first event.
func selectWinner(key string, w *window) Selection {
	idx := 0
	for i, ev := range w.events {
		if ev.Kind == model.SourceZone {
			idx = i
			break
		}
	}

	sel := Selection{Key: key, Winner: w.events[idx], Overflow: w.overflow}
	for i, ev := range w.events {
		if i != idx {
			sel.Skipped = append(sel.Skipped, ev)
		}
	}
	return sel
}

func parseTime(ev model.KillEvent) (time.Time, bool) {
	t, err := ev.Time()
	return t, err == nil
}
