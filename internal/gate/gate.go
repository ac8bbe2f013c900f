// Package gate drops raw lines whose exact content was already seen.
//
// It sits between the tailer and the grammars and only protects against the
// same physical line being handed over twice. Kill-level duplication is the
// dedup engine's job; a new line describing a known kill must pass through.
package gate

import "github.com/cespare/xxhash/v2"

// DefaultLimit is the number of remembered line hashes before eviction.
const DefaultLimit = 2000

// Gate is a bounded set of line content hashes in insertion order.
// It is not safe for concurrent use.
type Gate struct {
	limit int
	order []uint64
	seen  map[uint64]struct{}
}

// New creates a Gate that remembers up to limit hashes. Once the count
// exceeds limit the oldest half is forgotten.
func New(limit int) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Gate{
		limit: limit,
		order: make([]uint64, 0, limit+1),
		seen:  make(map[uint64]struct{}, limit+1),
	}
}

// Admit reports whether line is new. New lines are remembered.
func (g *Gate) Admit(line string) bool {
	h := xxhash.Sum64String(line)
	if _, ok := g.seen[h]; ok {
		return false
	}

	g.seen[h] = struct{}{}
	g.order = append(g.order, h)
	if len(g.order) > g.limit {
		g.evict()
	}
	return true
}

// evict forgets the oldest half of the remembered hashes.
func (g *Gate) evict() {
	n := len(g.order) / 2
	for _, h := range g.order[:n] {
		delete(g.seen, h)
	}
	kept := make([]uint64, len(g.order)-n, g.limit+1)
	copy(kept, g.order[n:])
	g.order = kept
}

// Len returns the number of remembered hashes.
func (g *Gate) Len() int {
	return len(g.order)
}

// Reset forgets everything.
func (g *Gate) Reset() {
	g.order = g.order[:0]
	g.seen = make(map[uint64]struct{}, g.limit+1)
}
