// Package taskctx tracks the currently executing profiled scope per
// goroutine.
//
// Each goroutine owns a stack of scope references: the top of stack is
// the active scope for allocation attribution. The package also carries
// the per-goroutine suppression counter that routes the dispatcher's own
// bookkeeping allocations around the instrumented path.
package taskctx

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskprof/taskprof/internal/registry"
)

const shardCount = 64

type entry struct {
	ref   registry.Ref
	token uint64
}

type gstate struct {
	stack    []entry
	suppress int
}

type shard struct {
	mu sync.Mutex
	m  map[uint64]*gstate
}

// Stack holds the per-goroutine scope stacks for the whole process. The
// map is sharded by goroutine id; each goroutine only ever touches its
// own slot, so shard lock contention is between unrelated goroutines
// that happen to hash together.
type Stack struct {
	shards    [shardCount]shard
	nextToken uint64
	tokenMu   sync.Mutex
	logger    zerolog.Logger
}

// NewStack creates an empty task context stack.
func NewStack(logger zerolog.Logger) *Stack {
	s := &Stack{
		logger: logger.With().Str("component", "taskctx").Logger(),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[uint64]*gstate)
	}
	return s
}

func (s *Stack) shardFor(gid uint64) *shard {
	return &s.shards[gid%shardCount]
}

// state returns the goroutine's state, creating it when create is set.
// The shard lock must be held by the caller via locked().
func (sh *shard) state(gid uint64, create bool) *gstate {
	g, ok := sh.m[gid]
	if !ok && create {
		g = &gstate{}
		sh.m[gid] = g
	}
	return g
}

// maybeRelease drops the goroutine's slot once it holds no state, so
// short-lived goroutines do not accumulate in the map.
func (sh *shard) maybeRelease(gid uint64, g *gstate) {
	if g != nil && len(g.stack) == 0 && g.suppress == 0 {
		delete(sh.m, gid)
	}
}

// Guard is the scoped-acquisition handle returned by Enter. Release pops
// exactly the entry the guard pushed, verified by token identity, and is
// safe to call more than once.
type Guard struct {
	s        *Stack
	gid      uint64
	token    uint64
	released bool
	mu       sync.Mutex
}

// Enter pushes ref onto the calling goroutine's stack and returns the
// guard that undoes the push.
func (s *Stack) Enter(ref registry.Ref) *Guard {
	gid := goroutineID()

	s.tokenMu.Lock()
	s.nextToken++
	token := s.nextToken
	s.tokenMu.Unlock()

	sh := s.shardFor(gid)
	sh.mu.Lock()
	g := sh.state(gid, true)
	g.stack = append(g.stack, entry{ref: ref, token: token})
	sh.mu.Unlock()

	return &Guard{s: s, gid: gid, token: token}
}

// Release pops the guard's entry from its goroutine's stack. An
// out-of-order release is an internal consistency error: it is logged
// and the matching entry is removed from wherever it sits, but the
// process is never aborted.
func (gu *Guard) Release() {
	if gu == nil || gu.s == nil {
		return
	}

	gu.mu.Lock()
	if gu.released {
		gu.mu.Unlock()
		return
	}
	gu.released = true
	gu.mu.Unlock()

	sh := gu.s.shardFor(gu.gid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g := sh.state(gu.gid, false)
	if g == nil || len(g.stack) == 0 {
		gu.s.logger.Error().
			Uint64("goroutine", gu.gid).
			Uint64("token", gu.token).
			Msg("Scope released on empty task stack")
		return
	}

	top := len(g.stack) - 1
	if g.stack[top].token == gu.token {
		g.stack = g.stack[:top]
		sh.maybeRelease(gu.gid, g)
		return
	}

	// Not on top: remove by identity and report the ordering violation.
	for i := top - 1; i >= 0; i-- {
		if g.stack[i].token == gu.token {
			g.stack = append(g.stack[:i], g.stack[i+1:]...)
			gu.s.logger.Error().
				Uint64("goroutine", gu.gid).
				Uint64("token", gu.token).
				Int("depth", i).
				Msg("Out-of-order scope release")
			sh.maybeRelease(gu.gid, g)
			return
		}
	}

	gu.s.logger.Error().
		Uint64("goroutine", gu.gid).
		Uint64("token", gu.token).
		Msg("Scope release for unknown entry")
}

// Current returns the innermost active scope for the calling goroutine.
func (s *Stack) Current() (registry.Ref, bool) {
	gid := goroutineID()
	sh := s.shardFor(gid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g := sh.state(gid, false)
	if g == nil || len(g.stack) == 0 {
		return registry.Ref{}, false
	}
	return g.stack[len(g.stack)-1].ref, true
}

// PathSegments returns the folded-path segments of every active scope on
// the calling goroutine's stack, outermost first.
func (s *Stack) PathSegments() []string {
	gid := goroutineID()
	sh := s.shardFor(gid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g := sh.state(gid, false)
	if g == nil || len(g.stack) == 0 {
		return nil
	}
	out := make([]string, len(g.stack))
	for i, e := range g.stack {
		out[i] = e.ref.Path
	}
	return out
}

// Depth returns the calling goroutine's stack depth.
func (s *Stack) Depth() int {
	gid := goroutineID()
	sh := s.shardFor(gid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g := sh.state(gid, false)
	if g == nil {
		return 0
	}
	return len(g.stack)
}

// Suppress flips the calling goroutine into passthrough mode and returns
// the restore function. Calls nest: the instrumented path is re-enabled
// only when every restore has run. Restore must be called from the same
// goroutine.
func (s *Stack) Suppress() func() {
	gid := goroutineID()
	sh := s.shardFor(gid)

	sh.mu.Lock()
	g := sh.state(gid, true)
	g.suppress++
	sh.mu.Unlock()

	return func() {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		g := sh.state(gid, false)
		if g == nil || g.suppress == 0 {
			// Unbalanced restore. Passthrough stays in effect for this
			// goroutine rather than risking recursive instrumentation.
			s.logger.Error().Uint64("goroutine", gid).Msg("Unbalanced suppression restore")
			return
		}
		g.suppress--
		sh.maybeRelease(gid, g)
	}
}

// Suppressed reports whether the calling goroutine is in passthrough mode.
func (s *Stack) Suppressed() bool {
	gid := goroutineID()
	sh := s.shardFor(gid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g := sh.state(gid, false)
	return g != nil && g.suppress > 0
}
