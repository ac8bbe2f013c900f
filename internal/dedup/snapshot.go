package dedup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lorddemonos/killfeed/internal/model"
)

// Snapshot is the on-disk JSON form of the dedup caches.
type Snapshot struct {
	SavedAt  time.Time               `json:"saved_at"`
	Keys     []model.KillKey         `json:"keys"`
	Recent   map[string][]RecentKill `json:"recent"`
	LastPost map[string]PostMark     `json:"last_post"`
}

// Snapshot copies the current caches.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		SavedAt:  time.Now().UTC(),
		Keys:     append([]model.KillKey(nil), e.keyOrder...),
		Recent:   make(map[string][]RecentKill, len(e.recent)),
		LastPost: make(map[string]PostMark, len(e.lastPost)),
	}
	for k, v := range e.recent {
		s.Recent[k] = append([]RecentKill(nil), v...)
	}
	for k, v := range e.lastPost {
		s.LastPost[k] = v
	}
	return s
}

// Restore replaces the caches with s, applying the configured bounds.
func (e *Engine) Restore(s Snapshot) {
	e.keys = make(map[model.KillKey]struct{})
	e.keyOrder = nil
	for _, k := range s.Keys {
		e.RememberKey(model.KillEvent{Timestamp: k.Timestamp, Target: k.Target})
	}

	e.recent = make(map[string][]RecentKill, len(s.Recent))
	for target, list := range s.Recent {
		if len(list) == 0 {
			continue
		}
		cp := append([]RecentKill(nil), list...)
		e.recent[target] = e.trimRecent(cp, cp[len(cp)-1].At)
	}

	e.lastPost = make(map[string]PostMark, len(s.LastPost))
	for id, m := range s.LastPost {
		e.lastPost[id] = m
	}
}

// SaveSnapshot writes the caches to path atomically.
func (e *Engine) SaveSnapshot(path string) error {
	raw, err := json.MarshalIndent(e.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dedup snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	// Write to a temp file first, then rename for atomicity.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write dedup snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace dedup snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores the caches from path. A missing file is not an error.
func (e *Engine) LoadSnapshot(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dedup snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode dedup snapshot %s: %w", path, err)
	}
	e.Restore(s)
	return nil
}
