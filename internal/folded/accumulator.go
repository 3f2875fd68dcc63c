// Package folded accumulates (call-path, weight) pairs and serializes
// them to the folded-stack exchange format at session finalization.
//
// Format, one entry per physical line:
//
//	frame1;frame2;...;frameN<SPACE><non-negative integer>\n
//
// The trailing integer is microseconds for time streams and bytes for
// memory streams. The format is bit-exact: no headers, no comments.
package folded

import (
	"sort"
	"sync"

	"github.com/zeebo/xxh3"
)

// Entry is one immutable folded-stack line: an ordered, deduplicated
// call path and its non-negative weight.
type Entry struct {
	Path   string
	Weight uint64
}

type accEntry struct {
	path   string
	weight uint64
	next   *accEntry
}

// Accumulator aggregates weights by call path. Paths are keyed by their
// xxh3 hash with chained collision handling, so the hot path compares
// one integer instead of the whole path string in the common case.
type Accumulator struct {
	mu      sync.Mutex
	entries map[uint64]*accEntry
	count   int
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		entries: make(map[uint64]*accEntry),
	}
}

// Add folds weight into the path's running total.
func (a *Accumulator) Add(path string, weight uint64) {
	if path == "" {
		return
	}
	h := xxh3.HashString(path)

	a.mu.Lock()
	defer a.mu.Unlock()

	for e := a.entries[h]; e != nil; e = e.next {
		if e.path == path {
			e.weight += weight
			return
		}
	}
	a.entries[h] = &accEntry{path: path, weight: weight, next: a.entries[h]}
	a.count++
}

// Len returns the number of distinct paths accumulated.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Snapshot returns the accumulated entries sorted by path. The result is
// detached from the accumulator and stays valid after further Adds.
func (a *Accumulator) Snapshot() []Entry {
	a.mu.Lock()
	out := make([]Entry, 0, a.count)
	for _, e := range a.entries {
		for ; e != nil; e = e.next {
			out = append(out, Entry{Path: e.path, Weight: e.weight})
		}
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
