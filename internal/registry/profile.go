// Package registry owns profile objects and resolves which profile an
// allocation belongs to.
//
// Profiles are long-lived: cross-goroutine or asynchronous work may keep
// attributing allocations to a profile after its originating scope has
// returned, so the registry's arena, not the scope, owns profile
// lifetime. The arena is cleared only at engine teardown.
package registry

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/taskprof/taskprof/internal/config"
)

// Profile is one measurable unit: a function or a source section inside
// a function. Identity fields are immutable after creation; counters are
// updated atomically by the attribution pipeline for the life of the
// session.
type Profile struct {
	// ID is the arena slot, assigned by Arena.Add. Zero means
	// unregistered.
	ID uint64

	// ModulePath is the import path or source file identifying the module.
	ModulePath string
	// FnName is the enclosing function name.
	FnName string
	// CustomName optionally overrides FnName in output.
	CustomName string
	// StartLine and EndLine bound a section profile. Zero means unset:
	// a missing start is unconstrained downward, a missing end is open
	// upward. Both zero means the profile covers the whole function.
	StartLine int
	EndLine   int

	// Type selects time, memory or both for this profile.
	Type config.ProfileType
	// DetailedMemory selects per-call-path attribution over aggregate
	// totals.
	DetailedMemory bool

	allocatedBytes atomic.Uint64
	calls          atomic.Uint64
	elapsedNanos   atomic.Int64
}

// Name returns the custom name if set, the function name otherwise.
func (p *Profile) Name() string {
	if p.CustomName != "" {
		return p.CustomName
	}
	return p.FnName
}

// Path returns the folded-stack segment naming this profile. Segments
// must not contain ';' or whitespace.
func (p *Profile) Path() string {
	name := p.Name()
	if p.ModulePath == "" {
		return sanitizeSegment(name)
	}
	return sanitizeSegment(p.ModulePath + "::" + name)
}

// AddAllocation adds size bytes to the cumulative allocation counter.
func (p *Profile) AddAllocation(size uint64) {
	p.allocatedBytes.Add(size)
}

// AddCall increments the call counter.
func (p *Profile) AddCall() {
	p.calls.Add(1)
}

// AddElapsed adds one scope activation's wall time.
func (p *Profile) AddElapsed(d time.Duration) {
	if d < 0 {
		return
	}
	p.elapsedNanos.Add(int64(d))
}

// AllocatedBytes returns the cumulative allocated byte count.
func (p *Profile) AllocatedBytes() uint64 {
	return p.allocatedBytes.Load()
}

// Calls returns the number of completed scope activations.
func (p *Profile) Calls() uint64 {
	return p.calls.Load()
}

// Elapsed returns the accumulated wall time across activations.
func (p *Profile) Elapsed() time.Duration {
	return time.Duration(p.elapsedNanos.Load())
}

// sanitizeSegment makes a name safe for the folded-stack format, whose
// segments may contain neither ';' nor whitespace.
func sanitizeSegment(name string) string {
	if !strings.ContainsAny(name, "; \t\n\r") {
		return name
	}
	r := strings.NewReplacer(";", ":", " ", "_", "\t", "_", "\n", "_", "\r", "_")
	return r.Replace(name)
}

// Ref is a cheaply copyable reference into the registry. The hot path
// branches on DetailedMemory without loading the full profile. FnName is
// always the enclosing function's own name: custom display names never
// appear in raw backtrace frames, so call-path bounding must use FnName.
type Ref struct {
	ID             uint64
	Name           string
	FnName         string
	Path           string
	DetailedMemory bool
}

// Valid reports whether the ref points at a registered profile.
func (r Ref) Valid() bool {
	return r.ID != 0
}
