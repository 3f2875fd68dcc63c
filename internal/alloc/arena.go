// Package alloc implements the allocator dispatcher: every manual
// allocation in the profiled process flows through it, and it decides
// per call whether the allocation is also reported to the attribution
// pipeline.
package alloc

import (
	"fmt"
	"sync"
	"unsafe"
)

const (
	// chunkSize is the granularity of arena mappings.
	chunkSize = 1 << 20
	// largeThreshold is the size above which an allocation gets its own
	// mapping, released immediately on Deallocate.
	largeThreshold = chunkSize / 4
)

// mapping is one region obtained from the platform allocator.
type mapping struct {
	buf []byte
	off int
}

// Arena is the plain allocation path: a chunked bump allocator over
// platform memory mappings. Small allocations are bump-allocated and
// released in bulk at Close; large allocations get dedicated mappings
// released on Deallocate. If the platform mapping fails the arena
// degrades to pinned Go-heap buffers rather than failing the host.
type Arena struct {
	mu     sync.Mutex
	chunks []*mapping
	large  map[uintptr][]byte
	pinned map[uintptr][]byte
	closed bool
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{
		large:  make(map[uintptr][]byte),
		pinned: make(map[uintptr][]byte),
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func validAlign(align int) bool {
	return align > 0 && align&(align-1) == 0
}

// Allocate returns size bytes aligned to align.
func (a *Arena) Allocate(size, align int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}
	if !validAlign(align) {
		return nil, fmt.Errorf("invalid alignment %d (want a power of two)", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("allocate on closed arena")
	}

	if size >= largeThreshold {
		buf, err := mapMemory(alignUp(size, pageSize))
		if err != nil {
			return a.allocatePinnedLocked(size, align)
		}
		p := unsafe.Pointer(&buf[0])
		a.large[uintptr(p)] = buf
		return p, nil
	}

	// Bump from the newest chunk; start a new one when it cannot fit.
	if n := len(a.chunks); n > 0 {
		if p := a.chunks[n-1].bump(size, align); p != nil {
			return p, nil
		}
	}

	buf, err := mapMemory(chunkSize)
	if err != nil {
		return a.allocatePinnedLocked(size, align)
	}
	c := &mapping{buf: buf}
	a.chunks = append(a.chunks, c)
	p := c.bump(size, align)
	if p == nil {
		return nil, fmt.Errorf("allocation of %d bytes does not fit a fresh chunk", size)
	}
	return p, nil
}

// bump carves size aligned bytes out of the mapping, or returns nil when
// the remainder is too small.
func (m *mapping) bump(size, align int) unsafe.Pointer {
	base := uintptr(unsafe.Pointer(&m.buf[0]))
	off := m.off
	misalign := int((base + uintptr(off)) & uintptr(align-1))
	if misalign != 0 {
		off += align - misalign
	}
	if off+size > len(m.buf) {
		return nil
	}
	p := unsafe.Pointer(&m.buf[off])
	m.off = off + size
	return p
}

// allocatePinnedLocked is the degraded path when mapping fails: a Go
// heap buffer pinned in the arena so the pointer stays valid.
func (a *Arena) allocatePinnedLocked(size, align int) (unsafe.Pointer, error) {
	buf := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := 0
	if misalign := int(base & uintptr(align-1)); misalign != 0 {
		off = align - misalign
	}
	p := unsafe.Pointer(&buf[off])
	a.pinned[uintptr(p)] = buf
	return p, nil
}

// Deallocate releases ptr. Bump-allocated memory is reclaimed only at
// Close; dedicated mappings and pinned buffers are released here.
func (a *Arena) Deallocate(ptr unsafe.Pointer, size, align int) {
	if ptr == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := uintptr(ptr)
	if buf, ok := a.large[key]; ok {
		delete(a.large, key)
		unmapMemory(buf)
		return
	}
	delete(a.pinned, key)
}

// Close releases every mapping. Outstanding pointers become invalid.
func (a *Arena) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true

	for _, c := range a.chunks {
		unmapMemory(c.buf)
	}
	a.chunks = nil
	for key, buf := range a.large {
		delete(a.large, key)
		unmapMemory(buf)
	}
	a.pinned = make(map[uintptr][]byte)
}
