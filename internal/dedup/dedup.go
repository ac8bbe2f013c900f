// Package dedup decides whether a parsed kill is a kill that has not been
// seen yet. It owns three caches: the exact kill keys, a short per-target
// list of recent kill times, and the last post per resolved target with its
// wall-clock and log times.
//
// An Engine belongs to a single processing goroutine and is not safe for
// concurrent use.
package dedup

import (
	"time"

	"github.com/lorddemonos/killfeed/internal/model"
)

// Verdict is the outcome of checking one event.
type Verdict int

const (
	Fresh Verdict = iota
	ExactDuplicate
	WindowDuplicate
)

func (v Verdict) String() string {
	switch v {
	case ExactDuplicate:
		return "exact"
	case WindowDuplicate:
		return "window"
	default:
		return "fresh"
	}
}

// Status maps a rejection onto its audit status. Fresh has no status.
func (v Verdict) Status() model.Status {
	switch v {
	case ExactDuplicate:
		return model.StatusExactDuplicate
	case WindowDuplicate:
		return model.StatusWindowDuplicate
	default:
		return ""
	}
}

// Config bounds the caches and sets the windows.
type Config struct {
	// Window is the same-kill window. Two kills of one target whose log
	// timestamps are at most Window apart are the same kill.
	Window time.Duration
	// RecentLimit is how many recent kills are kept per target.
	RecentLimit int
	// RecentSpan drops recent kills older than this relative to the newest.
	RecentSpan time.Duration
	// KeyCapacity is the exact-key ceiling; past it the oldest half goes.
	KeyCapacity int
	// Cooldown is the wall-clock post cooldown per resolved target.
	Cooldown time.Duration
}

// DefaultConfig returns the production values.
func DefaultConfig() Config {
	return Config{
		Window:      9 * time.Second,
		RecentLimit: 3,
		RecentSpan:  time.Minute,
		KeyCapacity: 1000,
		Cooldown:    9 * time.Second,
	}
}

// RecentKill is one entry of a target's recent-kill list.
type RecentKill struct {
	Timestamp string    `json:"timestamp"`
	Location  string    `json:"location"`
	At        time.Time `json:"at"`
}

// Engine holds the dedup caches.
type Engine struct {
	cfg      Config
	keys     map[model.KillKey]struct{}
	keyOrder []model.KillKey
	recent   map[string][]RecentKill
	lastPost map[string]PostMark
}

// New creates an empty Engine. Zero fields in cfg take their defaults.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = def.RecentLimit
	}
	if cfg.RecentSpan <= 0 {
		cfg.RecentSpan = def.RecentSpan
	}
	if cfg.KeyCapacity <= 0 {
		cfg.KeyCapacity = def.KeyCapacity
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Engine{
		cfg:      cfg,
		keys:     make(map[model.KillKey]struct{}),
		recent:   make(map[string][]RecentKill),
		lastPost: make(map[string]PostMark),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Check classifies ev without changing any state.
func (e *Engine) Check(ev model.KillEvent) Verdict {
	if _, ok := e.keys[ev.Key()]; ok {
		return ExactDuplicate
	}
	if _, ok := e.nearestRecent(ev); ok {
		return WindowDuplicate
	}
	return Fresh
}

// Nearest returns the recent kill of the same target that puts ev inside the
// same-kill window, if any. It is used for audit reasons.
func (e *Engine) Nearest(ev model.KillEvent) (RecentKill, bool) {
	return e.nearestRecent(ev)
}

func (e *Engine) nearestRecent(ev model.KillEvent) (RecentKill, bool) {
	at, err := ev.Time()
	if err != nil {
		// Unparseable stamps cannot be compared; only the exact key applies.
		return RecentKill{}, false
	}
	for _, rk := range e.recent[ev.TargetKey()] {
		if absDuration(at.Sub(rk.At)) <= e.cfg.Window {
			return rk, true
		}
	}
	return RecentKill{}, false
}

// Record marks ev as an accepted kill: its key is remembered and it joins
// the target's recent list.
func (e *Engine) Record(ev model.KillEvent) {
	e.RememberKey(ev)

	at, err := ev.Time()
	if err != nil {
		return
	}
	target := ev.TargetKey()
	for _, rk := range e.recent[target] {
		if rk.Timestamp == ev.Timestamp {
			return
		}
	}
	list := append(e.recent[target], RecentKill{Timestamp: ev.Timestamp, Location: ev.Location, At: at})
	e.recent[target] = e.trimRecent(list, at)
}

// RememberKey records only the exact key of ev. Events that join an open
// window use it so a replay of the same line is caught as exact.
func (e *Engine) RememberKey(ev model.KillEvent) {
	k := ev.Key()
	if _, ok := e.keys[k]; ok {
		return
	}
	e.keys[k] = struct{}{}
	e.keyOrder = append(e.keyOrder, k)
	if len(e.keyOrder) > e.cfg.KeyCapacity {
		n := len(e.keyOrder) / 2
		for _, old := range e.keyOrder[:n] {
			delete(e.keys, old)
		}
		e.keyOrder = append([]model.KillKey(nil), e.keyOrder[n:]...)
	}
}

// Observe checks ev and records it when fresh.
func (e *Engine) Observe(ev model.KillEvent) Verdict {
	v := e.Check(ev)
	if v == Fresh {
		e.Record(ev)
	}
	return v
}

// trimRecent keeps entries newer than RecentSpan before ref, at most RecentLimit.
func (e *Engine) trimRecent(list []RecentKill, ref time.Time) []RecentKill {
	cutoff := ref.Add(-e.cfg.RecentSpan)
	kept := list[:0]
	for _, rk := range list {
		if rk.At.After(cutoff) {
			kept = append(kept, rk)
		}
	}
	if len(kept) > e.cfg.RecentLimit {
		kept = kept[len(kept)-e.cfg.RecentLimit:]
	}
	return kept
}

// PostMark is the last post of one resolved target.
type PostMark struct {
	At        time.Time `json:"at"`
	Timestamp string    `json:"timestamp"`
}

// CooldownRemaining returns how long posting ev for targetID stays
// suppressed. Zero means a post is allowed. A kill whose log time is more
// than Window from the posted one is a different kill and is never held back.
func (e *Engine) CooldownRemaining(targetID string, ev model.KillEvent, now time.Time) time.Duration {
	last, ok := e.lastPost[targetID]
	if !ok {
		return 0
	}
	elapsed := now.Sub(last.At)
	if elapsed >= e.cfg.Cooldown {
		return 0
	}
	if e.distinctKill(last.Timestamp, ev) {
		return 0
	}
	return e.cfg.Cooldown - elapsed
}

// distinctKill reports whether ev lies outside the same-kill window of the
// posted stamp. Unparseable stamps count as the same kill.
func (e *Engine) distinctKill(posted string, ev model.KillEvent) bool {
	at, err := ev.Time()
	if err != nil {
		return false
	}
	prev, err := model.KillEvent{Timestamp: posted}.Time()
	if err != nil {
		return false
	}
	return absDuration(at.Sub(prev)) > e.cfg.Window
}

// MarkPosted starts the cooldown for targetID with ev as the posted kill.
func (e *Engine) MarkPosted(targetID string, ev model.KillEvent, now time.Time) {
	e.lastPost[targetID] = PostMark{At: now, Timestamp: ev.Timestamp}
	for id, m := range e.lastPost {
		if now.Sub(m.At) >= e.cfg.Cooldown {
			delete(e.lastPost, id)
		}
	}
}

// Len reports the number of remembered keys and of targets with recent kills.
func (e *Engine) Len() (keys, targets int) {
	return len(e.keys), len(e.recent)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
