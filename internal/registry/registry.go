package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskprof/taskprof/internal/callpath"
)

// DetailSink receives allocations attributed to detailed-memory
// profiles. The engine implements it by reconstructing the call path and
// adding a folded-stack contribution.
type DetailSink interface {
	RecordDetailed(ref Ref, size uint64, trace callpath.Trace)
}

// rangeEntry maps a line range to a profile id. Zero start means
// unconstrained downward; zero end means open upward.
type rangeEntry struct {
	start int
	end   int
	id    uint64
}

func (e rangeEntry) contains(line int) bool {
	if e.start != 0 && line < e.start {
		return false
	}
	if e.end != 0 && line > e.end {
		return false
	}
	return true
}

// functionRanges holds every registered profile for one function: at
// most one whole-function entry plus ranged section entries. Ranged
// entries may overlap only by strict nesting; the slice is kept sorted
// so the narrowest enclosing range is found first.
type functionRanges struct {
	whole  uint64
	ranges []rangeEntry
}

// Registry resolves (module, function, line) to the owning profile. It
// is shared process-wide behind a single mutex: writes happen once per
// unique call site, reads on the allocation hot path.
type Registry struct {
	mu      sync.Mutex
	arena   *Arena
	modules map[string]map[string]*functionRanges
	logger  zerolog.Logger
}

// New creates an empty registry backed by the given arena.
func New(arena *Arena, logger zerolog.Logger) *Registry {
	return &Registry{
		arena:   arena,
		modules: make(map[string]map[string]*functionRanges),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Arena returns the arena owning this registry's profiles.
func (r *Registry) Arena() *Arena {
	return r.arena
}

func refFor(p *Profile) Ref {
	return Ref{
		ID:             p.ID,
		Name:           p.Name(),
		FnName:         p.FnName,
		Path:           p.Path(),
		DetailedMemory: p.DetailedMemory,
	}
}

// equivalent reports whether a re-registration carries the same
// configuration as the profile already owning the key.
func equivalent(a, b *Profile) bool {
	return a.CustomName == b.CustomName &&
		a.Type == b.Type &&
		a.DetailedMemory == b.DetailedMemory
}

// Register inserts the profile keyed by (module, function, range).
// Registration is idempotent: an identical key with an equivalent
// configuration returns the existing entry's ref and the already
// accumulated counters stay intact. A changed configuration for the same
// key wins over the previous one.
func (r *Registry) Register(p *Profile) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	fns, ok := r.modules[p.ModulePath]
	if !ok {
		fns = make(map[string]*functionRanges)
		r.modules[p.ModulePath] = fns
	}
	fr, ok := fns[p.FnName]
	if !ok {
		fr = &functionRanges{}
		fns[p.FnName] = fr
	}

	if p.StartLine == 0 && p.EndLine == 0 {
		if fr.whole != 0 {
			existing := r.arena.Get(fr.whole)
			if existing != nil && equivalent(existing, p) {
				return refFor(existing)
			}
		}
		fr.whole = r.arena.Add(p)
		r.logger.Debug().
			Str("module", p.ModulePath).
			Str("function", p.FnName).
			Uint64("id", fr.whole).
			Msg("Registered whole-function profile")
		return refFor(p)
	}

	for i, e := range fr.ranges {
		if e.start == p.StartLine && e.end == p.EndLine {
			existing := r.arena.Get(e.id)
			if existing != nil && equivalent(existing, p) {
				return refFor(existing)
			}
			fr.ranges[i].id = r.arena.Add(p)
			return refFor(p)
		}
	}

	id := r.arena.Add(p)
	fr.insert(rangeEntry{start: p.StartLine, end: p.EndLine, id: id})
	r.logger.Debug().
		Str("module", p.ModulePath).
		Str("function", p.FnName).
		Int("start", p.StartLine).
		Int("end", p.EndLine).
		Uint64("id", id).
		Msg("Registered section profile")
	return refFor(p)
}

// insert keeps ranges ordered so a forward scan meets narrower ranges
// before the ranges enclosing them: descending start, then ascending end
// with an open end sorting last.
func (fr *functionRanges) insert(e rangeEntry) {
	pos := len(fr.ranges)
	for i, cur := range fr.ranges {
		if less(e, cur) {
			pos = i
			break
		}
	}
	fr.ranges = append(fr.ranges, rangeEntry{})
	copy(fr.ranges[pos+1:], fr.ranges[pos:])
	fr.ranges[pos] = e
}

func less(a, b rangeEntry) bool {
	if a.start != b.start {
		return a.start > b.start
	}
	ae, be := a.end, b.end
	if ae == 0 {
		ae = int(^uint(0) >> 1)
	}
	if be == 0 {
		be = int(^uint(0) >> 1)
	}
	return ae < be
}

// Profiles returns every profile currently reachable through the
// registry. Entries replaced by a reconfigured registration stay in the
// arena for outstanding refs but are excluded here.
func (r *Registry) Profiles() []*Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Profile
	for _, fns := range r.modules {
		for _, fr := range fns {
			if fr.whole != 0 {
				if p := r.arena.Get(fr.whole); p != nil {
					out = append(out, p)
				}
			}
			for _, e := range fr.ranges {
				if p := r.arena.Get(e.id); p != nil {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

// HasFunction reports whether any profile is registered for the module
// and function. The dispatcher uses it to fast-reject allocations before
// paying for a backtrace.
func (r *Registry) HasFunction(module, fn string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	fns, ok := r.modules[module]
	if !ok {
		return false
	}
	_, ok = fns[fn]
	return ok
}

// Find returns the profile owning the given line: the narrowest ranged
// entry containing it, the whole-function entry otherwise.
func (r *Registry) Find(module, fn string, line int) (Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(module, fn, line)
}

func (r *Registry) findLocked(module, fn string, line int) (Ref, bool) {
	fns, ok := r.modules[module]
	if !ok {
		return Ref{}, false
	}
	fr, ok := fns[fn]
	if !ok {
		return Ref{}, false
	}

	for _, e := range fr.ranges {
		if e.contains(line) {
			if p := r.arena.Get(e.id); p != nil {
				return refFor(p), true
			}
		}
	}

	if fr.whole != 0 {
		if p := r.arena.Get(fr.whole); p != nil {
			return refFor(p), true
		}
	}
	return Ref{}, false
}

// RecordAllocation attributes one allocation to the profile owning the
// call site. Detailed-memory profiles are routed through the sink with
// the captured trace; summary profiles get a direct counter increment.
// The return value is diagnostic only.
func (r *Registry) RecordAllocation(module, fn string, line int, size uint64, trace callpath.Trace, sink DetailSink) bool {
	r.mu.Lock()
	fns, ok := r.modules[module]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := fns[fn]; !ok {
		r.mu.Unlock()
		return false
	}

	ref, ok := r.findLocked(module, fn, line)
	r.mu.Unlock()
	if !ok {
		return false
	}

	if ref.DetailedMemory && sink != nil {
		sink.RecordDetailed(ref, size, trace)
		return true
	}

	p := r.arena.Get(ref.ID)
	if p == nil {
		r.logger.Warn().Uint64("id", ref.ID).Msg("Stale profile ref during allocation")
		return false
	}
	p.AddAllocation(size)
	return true
}

// RecordCall increments the call counter of ref's profile.
func (r *Registry) RecordCall(ref Ref) {
	if p := r.arena.Get(ref.ID); p != nil {
		p.AddCall()
	}
}

// RecordElapsed adds one activation's wall time to ref's profile.
func (r *Registry) RecordElapsed(ref Ref, d time.Duration) {
	if p := r.arena.Get(ref.ID); p != nil {
		p.AddElapsed(d)
	}
}
