package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/lorddemonos/killfeed/internal/model"
)

// PostWindow is the span over which recent posts are counted.
const PostWindow = time.Hour

// Stats holds a point-in-time snapshot of aggregated activity.
type Stats struct {
	Uptime         string                 `json:"uptime"`
	TotalDecisions int64                  `json:"total_decisions"`
	StatusCounts   map[model.Status]int64 `json:"status_counts"`
	RecentPosts    int                    `json:"recent_posts"`
	LastPost       *time.Time             `json:"last_post,omitempty"`
	LastTarget     string                 `json:"last_target,omitempty"`
	DroppedAudit   int64                  `json:"dropped_audit"`
	ActiveFile     string                 `json:"active_file"`
	Character      string                 `json:"character"`
}

// Aggregator subscribes to the activity hub and keeps running totals.
type Aggregator struct {
	mu           sync.RWMutex
	startTime    time.Time
	total        int64
	statusCounts map[model.Status]int64
	posts        []time.Time // post times inside PostWindow
	lastPost     time.Time
	lastTarget   string
	dropped      func() int64
	active       func() (path, character string)
	entries      <-chan model.Activity
	now          func() time.Time
}

// New creates an Aggregator that reads from the given hub subscriber channel.
// droppedFn and activeFn provide live values from the hub and the tailer.
func New(entries <-chan model.Activity, droppedFn func() int64, activeFn func() (string, string)) *Aggregator {
	if droppedFn == nil {
		droppedFn = func() int64 { return 0 }
	}
	if activeFn == nil {
		activeFn = func() (string, string) { return "", "" }
	}
	return &Aggregator{
		startTime:    time.Now(),
		statusCounts: make(map[model.Status]int64),
		dropped:      droppedFn,
		active:       activeFn,
		entries:      entries,
		now:          time.Now,
	}
}

// Snapshot returns the current totals.
func (a *Aggregator) Snapshot() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := make(map[model.Status]int64, len(a.statusCounts))
	for k, v := range a.statusCounts {
		counts[k] = v
	}

	cutoff := a.now().Add(-PostWindow)
	recent := 0
	for _, t := range a.posts {
		if t.After(cutoff) {
			recent++
		}
	}

	path, char := a.active()
	s := Stats{
		Uptime:         time.Since(a.startTime).Truncate(time.Second).String(),
		TotalDecisions: a.total,
		StatusCounts:   counts,
		RecentPosts:    recent,
		LastTarget:     a.lastTarget,
		DroppedAudit:   a.dropped(),
		ActiveFile:     path,
		Character:      char,
	}
	if !a.lastPost.IsZero() {
		lp := a.lastPost
		s.LastPost = &lp
	}
	return s
}

// Start consumes entries until ctx is cancelled or the channel closes.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-a.entries:
			if !ok {
				return
			}
			a.record(entry)
		case <-ticker.C:
			a.prune()
		}
	}
}

func (a *Aggregator) record(entry model.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.statusCounts[entry.Status]++
	if entry.Status == model.StatusPosted {
		at := entry.At
		if at.IsZero() {
			at = a.now()
		}
		a.posts = append(a.posts, at)
		a.lastPost = at
		a.lastTarget = entry.Event.Target
		if entry.Annotation != "" {
			a.lastTarget += " (" + entry.Annotation + ")"
		}
	}
}

// prune drops post times older than PostWindow.
func (a *Aggregator) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-PostWindow)
	i := 0
	for _, t := range a.posts {
		if t.After(cutoff) {
			a.posts[i] = t
			i++
		}
	}
	a.posts = a.posts[:i]
}
