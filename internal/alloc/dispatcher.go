package alloc

import (
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/taskprof/taskprof/internal/taskctx"
)

// Marker is the substring identifying the dispatcher's entry point in a
// resolved backtrace. Call-path reconstruction discards every frame up
// to and including it so implementation frames never leak into output.
const Marker = "alloc.(*Dispatcher).dispatchRecord"

// Plumbing lists frame-name substrings belonging to the dispatch path
// above the marker. Call-path resolution skips them so attribution lands
// on the profiled program's own frames, not on wrapper methods.
var Plumbing = []string{
	"alloc.(*Dispatcher).",
	"profiler.(*Engine).Allocate",
	"profiler.(*Engine).Reallocate",
}

// Sink receives successfully completed instrumented allocations. The
// engine implements it; a nil sink means no attribution at all.
type Sink interface {
	// MemoryActive reports whether profiling is enabled and the global
	// profile type includes memory.
	MemoryActive() bool
	// RecordAllocation attributes one allocation. It runs with the
	// calling goroutine already in passthrough mode.
	RecordAllocation(size int, addr uintptr)
}

// sinkBox wraps the Sink interface for atomic.Pointer storage.
type sinkBox struct {
	sink Sink
}

// Dispatcher intercepts every allocate/deallocate/reallocate call and
// routes each one to the plain arena path or additionally through the
// attribution sink, based on the calling goroutine's suppression state
// and the global switch.
type Dispatcher struct {
	arena  *Arena
	stack  *taskctx.Stack
	sink   atomic.Pointer[sinkBox]
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher over a fresh arena.
func NewDispatcher(stack *taskctx.Stack, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		arena:  NewArena(),
		stack:  stack,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// SetSink installs the attribution sink. Passing nil detaches it, which
// stops attribution immediately while in-flight scopes keep releasing
// normally.
func (d *Dispatcher) SetSink(s Sink) {
	if s == nil {
		d.sink.Store(nil)
		return
	}
	d.sink.Store(&sinkBox{sink: s})
}

// Allocate obtains size bytes aligned to align. On success the
// allocation is reported to the attribution pipeline unless the calling
// goroutine is suppressed or memory collection is off.
func (d *Dispatcher) Allocate(size, align int) (unsafe.Pointer, error) {
	p, err := d.arena.Allocate(size, align)
	if err != nil || p == nil {
		return p, err
	}

	if box := d.sink.Load(); box != nil && !d.stack.Suppressed() && box.sink.MemoryActive() {
		d.dispatchRecord(box.sink, size, uintptr(p))
	}
	return p, nil
}

// Deallocate releases ptr. Always forwarded straight to the arena: the
// engine tracks cumulative allocated bytes, never live bytes, so no
// reverse lookup happens here.
func (d *Dispatcher) Deallocate(ptr unsafe.Pointer, size, align int) {
	d.arena.Deallocate(ptr, size, align)
}

// Reallocate grows or shrinks an allocation by allocate-copy-free. Only
// the new block is attributed.
func (d *Dispatcher) Reallocate(ptr unsafe.Pointer, oldSize, newSize, align int) (unsafe.Pointer, error) {
	p, err := d.Allocate(newSize, align)
	if err != nil {
		return nil, err
	}
	if ptr != nil && oldSize > 0 {
		n := oldSize
		if newSize < n {
			n = newSize
		}
		copy(unsafe.Slice((*byte)(p), n), unsafe.Slice((*byte)(ptr), n))
		d.arena.Deallocate(ptr, oldSize, align)
	}
	return p, nil
}

// dispatchRecord runs the attribution sink under forced passthrough so
// the sink's own allocations (lock growth, map growth, logging) never
// recurse into the instrumented path. Any failure degrades to "skip
// bookkeeping for this call": the profiler must never be the reason the
// profiled program fails.
func (d *Dispatcher) dispatchRecord(sink Sink, size int, addr uintptr) {
	restore := d.stack.Suppress()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Attribution sink panicked; allocation not tracked")
		}
		restore()
	}()

	sink.RecordAllocation(size, addr)
}

// Close tears down the arena. Only the engine shutdown path calls it.
func (d *Dispatcher) Close() {
	d.sink.Store(nil)
	d.arena.Close()
}
