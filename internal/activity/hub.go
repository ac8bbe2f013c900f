// Package activity collects the audit trail of kill decisions and fans it
// out to subscribers (dashboard sockets, terminal renderer, stats) and
// sinks (the JSONL journal).
package activity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lorddemonos/killfeed/internal/metrics"
	"github.com/lorddemonos/killfeed/internal/model"
)

const (
	inputBuffer      = 1024
	subscriberBuffer = 256
	// DefaultRecent is how many entries Recent can return.
	DefaultRecent = 200
)

// Sink persists activity entries.
type Sink interface {
	Write(a model.Activity) error
}

// Hub receives activity entries and broadcasts them to all subscribers.
type Hub struct {
	input       chan model.Activity
	sinks       []Sink
	mu          sync.RWMutex
	subscribers []chan model.Activity
	recent      []model.Activity
	recentCap   int
	dropped     atomic.Int64
}

// New creates a Hub that keeps the last recentCap entries in memory.
func New(recentCap int, sinks ...Sink) *Hub {
	if recentCap <= 0 {
		recentCap = DefaultRecent
	}
	return &Hub{
		input:     make(chan model.Activity, inputBuffer),
		sinks:     sinks,
		recentCap: recentCap,
	}
}

// Record queues an entry without blocking. Entries are dropped, and
// counted, when the hub falls behind.
func (h *Hub) Record(a model.Activity) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	metrics.Decisions.WithLabelValues(string(a.Status)).Inc()

	select {
	case h.input <- a:
	default:
		n := h.dropped.Add(1)
		slog.Warn("activity dropped, hub is behind", "status", a.Status, "target", a.Event.Target, "dropped", n)
	}
}

// Subscribe returns a buffered channel that receives every entry recorded
// after the call.
func (h *Hub) Subscribe() <-chan model.Activity {
	ch := make(chan model.Activity, subscriberBuffer)
	h.mu.Lock()
	h.subscribers = append(h.subscribers, ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (h *Hub) Unsubscribe(sub <-chan model.Activity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ch := range h.subscribers {
		if ch == sub {
			close(ch)
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			return
		}
	}
}

// Dropped returns the number of entries lost to a full input queue or to
// slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Recent returns up to n of the newest entries, oldest first. n <= 0
// returns everything kept.
func (h *Hub) Recent(n int) []model.Activity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.recent) {
		n = len(h.recent)
	}
	out := make([]model.Activity, n)
	copy(out, h.recent[len(h.recent)-n:])
	return out
}

// Seed preloads the recent buffer, e.g. from the journal after a restart.
func (h *Hub) Seed(entries []model.Activity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range entries {
		h.remember(a)
	}
}

// Start drains the input queue until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.drain()
			return
		case a := <-h.input:
			h.handle(a)
		}
	}
}

// drain flushes whatever is still queued to the sinks on shutdown.
func (h *Hub) drain() {
	for {
		select {
		case a := <-h.input:
			h.handle(a)
		default:
			return
		}
	}
}

func (h *Hub) handle(a model.Activity) {
	for _, s := range h.sinks {
		if err := s.Write(a); err != nil {
			slog.Error("activity sink write failed", "err", err)
		}
	}

	h.mu.Lock()
	h.remember(a)
	h.mu.Unlock()

	h.broadcast(a)
}

// remember appends to the recent buffer. Caller holds mu.
func (h *Hub) remember(a model.Activity) {
	h.recent = append(h.recent, a)
	if len(h.recent) > h.recentCap {
		h.recent = append(h.recent[:0:0], h.recent[len(h.recent)-h.recentCap:]...)
	}
}

// broadcast sends an entry to all subscribers. A full subscriber misses it.
func (h *Hub) broadcast(a model.Activity) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- a:
		default:
			h.dropped.Add(1)
		}
	}
}

// closeAll closes all subscriber channels.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = nil
}
