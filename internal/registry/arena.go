package registry

import (
	"sync"
)

// Arena owns every Profile for the life of the process. Profiles are
// addressed by a stable integer id; the registry stores ids, never
// pointers. Clear is called only at engine teardown.
type Arena struct {
	mu       sync.RWMutex
	profiles []*Profile
}

// NewArena creates an empty profile arena.
func NewArena() *Arena {
	return &Arena{}
}

// Add stores the profile and assigns its id. Ids start at 1 so the zero
// Ref stays invalid.
func (a *Arena) Add(p *Profile) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles = append(a.profiles, p)
	p.ID = uint64(len(a.profiles))
	return p.ID
}

// Get returns the profile for id, or nil for an unknown id.
func (a *Arena) Get(id uint64) *Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id == 0 || id > uint64(len(a.profiles)) {
		return nil
	}
	return a.profiles[id-1]
}

// Len returns the number of profiles in the arena.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.profiles)
}

// Snapshot returns the current profiles in id order.
func (a *Arena) Snapshot() []*Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Profile, len(a.profiles))
	copy(out, a.profiles)
	return out
}

// Clear releases every profile. Only the shutdown path calls this;
// outstanding Refs become invalid afterwards.
func (a *Arena) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles = nil
}
