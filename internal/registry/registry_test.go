package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskprof/taskprof/internal/callpath"
	"github.com/taskprof/taskprof/internal/config"
	"github.com/taskprof/taskprof/internal/logging"
)

func newTestRegistry() *Registry {
	return New(NewArena(), logging.Nop())
}

func TestRegisterWholeFunction(t *testing.T) {
	r := newTestRegistry()

	ref := r.Register(&Profile{
		ModulePath: "app/compute",
		FnName:     "process",
		Type:       config.TypeMemory,
	})
	require.True(t, ref.Valid())
	assert.Equal(t, "process", ref.Name)
	assert.Equal(t, "app/compute::process", ref.Path)

	found, ok := r.Find("app/compute", "process", 42)
	require.True(t, ok)
	assert.Equal(t, ref.ID, found.ID)
}

func TestRegisterIdempotent(t *testing.T) {
	r := newTestRegistry()

	p := func() *Profile {
		return &Profile{ModulePath: "app", FnName: "f", Type: config.TypeMemory}
	}

	ref1 := r.Register(p())
	r.arena.Get(ref1.ID).AddAllocation(100)

	// Re-registering the same configuration returns the existing entry
	// with its counters intact.
	ref2 := r.Register(p())
	assert.Equal(t, ref1.ID, ref2.ID)
	assert.Equal(t, uint64(100), r.arena.Get(ref2.ID).AllocatedBytes())
	assert.Equal(t, 1, r.arena.Len())
}

func TestRegisterReconfigure(t *testing.T) {
	r := newTestRegistry()

	ref1 := r.Register(&Profile{ModulePath: "app", FnName: "f", Type: config.TypeMemory})
	ref2 := r.Register(&Profile{ModulePath: "app", FnName: "f", Type: config.TypeMemory, DetailedMemory: true})

	assert.NotEqual(t, ref1.ID, ref2.ID, "changed configuration replaces the entry")

	found, ok := r.Find("app", "f", 1)
	require.True(t, ok)
	assert.Equal(t, ref2.ID, found.ID)
	assert.True(t, found.DetailedMemory)
}

func TestProfilesExcludeReplaced(t *testing.T) {
	r := newTestRegistry()

	r.Register(&Profile{ModulePath: "app", FnName: "f", Type: config.TypeMemory})
	ref2 := r.Register(&Profile{ModulePath: "app", FnName: "f", Type: config.TypeMemory, DetailedMemory: true})

	ps := r.Profiles()
	require.Len(t, ps, 1, "only the winning entry is reachable")
	assert.Equal(t, ref2.ID, ps[0].ID)
	assert.Equal(t, 2, r.arena.Len(), "replaced profile stays in the arena for outstanding refs")
}

func TestProfilesSpanRangesAndWhole(t *testing.T) {
	r := newTestRegistry()

	r.Register(&Profile{ModulePath: "app", FnName: "f", Type: config.TypeMemory})
	r.Register(&Profile{
		ModulePath: "app", FnName: "f", CustomName: "section",
		StartLine: 10, EndLine: 20, Type: config.TypeMemory,
	})
	r.Register(&Profile{ModulePath: "app", FnName: "g", Type: config.TypeTime})

	assert.Len(t, r.Profiles(), 3)
}

func TestRefCarriesFunctionName(t *testing.T) {
	r := newTestRegistry()

	ref := r.Register(&Profile{
		ModulePath: "app", FnName: "f", CustomName: "hot_loop",
		Type: config.TypeMemory,
	})
	assert.Equal(t, "hot_loop", ref.Name)
	assert.Equal(t, "f", ref.FnName, "the raw function name survives a custom display name")
}

func TestFindNarrowestRange(t *testing.T) {
	r := newTestRegistry()

	outer := r.Register(&Profile{
		ModulePath: "app", FnName: "f", CustomName: "outer",
		StartLine: 10, EndLine: 50, Type: config.TypeMemory,
	})
	inner := r.Register(&Profile{
		ModulePath: "app", FnName: "f", CustomName: "inner",
		StartLine: 20, EndLine: 30, Type: config.TypeMemory,
	})
	whole := r.Register(&Profile{ModulePath: "app", FnName: "f", Type: config.TypeMemory})

	cases := []struct {
		name string
		line int
		want uint64
	}{
		{"inside nested range", 25, inner.ID},
		{"nested lower bound", 20, inner.ID},
		{"nested upper bound", 30, inner.ID},
		{"outer range only", 15, outer.ID},
		{"outer range above nested", 45, outer.ID},
		{"outside all ranges", 60, whole.ID},
		{"below all ranges", 5, whole.ID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			found, ok := r.Find("app", "f", tc.line)
			require.True(t, ok)
			assert.Equal(t, tc.want, found.ID)
		})
	}
}

func TestFindOpenRanges(t *testing.T) {
	r := newTestRegistry()

	openUp := r.Register(&Profile{
		ModulePath: "app", FnName: "g", CustomName: "tail",
		StartLine: 100, Type: config.TypeMemory,
	})
	openDown := r.Register(&Profile{
		ModulePath: "app", FnName: "g", CustomName: "head",
		EndLine: 50, Type: config.TypeMemory,
	})

	found, ok := r.Find("app", "g", 500)
	require.True(t, ok)
	assert.Equal(t, openUp.ID, found.ID)

	found, ok = r.Find("app", "g", 10)
	require.True(t, ok)
	assert.Equal(t, openDown.ID, found.ID)

	// No whole-function fallback registered: a line in the gap misses.
	_, ok = r.Find("app", "g", 75)
	assert.False(t, ok)
}

func TestFindUnknown(t *testing.T) {
	r := newTestRegistry()
	r.Register(&Profile{ModulePath: "app", FnName: "f", Type: config.TypeMemory})

	_, ok := r.Find("app", "other", 1)
	assert.False(t, ok)
	_, ok = r.Find("elsewhere", "f", 1)
	assert.False(t, ok)

	assert.True(t, r.HasFunction("app", "f"))
	assert.False(t, r.HasFunction("app", "other"))
	assert.False(t, r.HasFunction("elsewhere", "f"))
}

func TestRecordAllocationSummary(t *testing.T) {
	r := newTestRegistry()
	ref := r.Register(&Profile{ModulePath: "app", FnName: "f", Type: config.TypeMemory})

	ok := r.RecordAllocation("app", "f", 12, 256, callpath.Trace{}, nil)
	assert.True(t, ok)
	ok = r.RecordAllocation("app", "f", 99, 128, callpath.Trace{}, nil)
	assert.True(t, ok)

	assert.Equal(t, uint64(384), r.arena.Get(ref.ID).AllocatedBytes())
}

func TestRecordAllocationMiss(t *testing.T) {
	r := newTestRegistry()
	r.Register(&Profile{
		ModulePath: "app", FnName: "f",
		StartLine: 10, EndLine: 20, Type: config.TypeMemory,
	})

	assert.False(t, r.RecordAllocation("app", "f", 30, 64, callpath.Trace{}, nil),
		"line outside every range with no whole-function fallback")
	assert.False(t, r.RecordAllocation("app", "g", 10, 64, callpath.Trace{}, nil))
	assert.False(t, r.RecordAllocation("other", "f", 10, 64, callpath.Trace{}, nil))
}

type captureSink struct {
	refs  []Ref
	sizes []uint64
}

func (c *captureSink) RecordDetailed(ref Ref, size uint64, _ callpath.Trace) {
	c.refs = append(c.refs, ref)
	c.sizes = append(c.sizes, size)
}

func TestRecordAllocationDetailed(t *testing.T) {
	r := newTestRegistry()
	ref := r.Register(&Profile{
		ModulePath: "app", FnName: "f",
		Type: config.TypeMemory, DetailedMemory: true,
	})

	sink := &captureSink{}
	ok := r.RecordAllocation("app", "f", 5, 512, callpath.Trace{}, sink)
	require.True(t, ok)

	require.Len(t, sink.refs, 1)
	assert.Equal(t, ref.ID, sink.refs[0].ID)
	assert.Equal(t, uint64(512), sink.sizes[0])
	assert.Zero(t, r.arena.Get(ref.ID).AllocatedBytes(),
		"detailed allocations bypass the summary counter")
}

func TestRecordCallAndElapsed(t *testing.T) {
	r := newTestRegistry()
	ref := r.Register(&Profile{ModulePath: "app", FnName: "f", Type: config.TypeTime})

	r.RecordCall(ref)
	r.RecordCall(ref)
	r.RecordElapsed(ref, 150*time.Millisecond)

	p := r.arena.Get(ref.ID)
	assert.Equal(t, uint64(2), p.Calls())
	assert.Equal(t, 150*time.Millisecond, p.Elapsed())

	// Stale refs are ignored rather than panicking.
	assert.NotPanics(t, func() {
		r.RecordCall(Ref{ID: 9999})
		r.RecordElapsed(Ref{ID: 9999}, time.Second)
	})
}

func TestProfileNameAndPath(t *testing.T) {
	cases := []struct {
		name     string
		profile  Profile
		wantName string
		wantPath string
	}{
		{
			name:     "function name",
			profile:  Profile{ModulePath: "app/db", FnName: "query"},
			wantName: "query",
			wantPath: "app/db::query",
		},
		{
			name:     "custom name overrides",
			profile:  Profile{ModulePath: "app/db", FnName: "query", CustomName: "hot_loop"},
			wantName: "hot_loop",
			wantPath: "app/db::hot_loop",
		},
		{
			name:     "no module",
			profile:  Profile{FnName: "main"},
			wantName: "main",
			wantPath: "main",
		},
		{
			name:     "separator characters sanitized",
			profile:  Profile{ModulePath: "app", FnName: "bad name;here"},
			wantName: "bad name;here",
			wantPath: "app::bad_name:here",
		},
	}
	for i := range cases {
		tc := &cases[i]
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantName, tc.profile.Name())
			assert.Equal(t, tc.wantPath, tc.profile.Path())
		})
	}
}

func TestArenaLifecycle(t *testing.T) {
	a := NewArena()
	assert.Equal(t, 0, a.Len())
	assert.Nil(t, a.Get(0))
	assert.Nil(t, a.Get(1))

	p1 := &Profile{FnName: "a"}
	p2 := &Profile{FnName: "b"}
	id1 := a.Add(p1)
	id2 := a.Add(p2)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
	assert.Equal(t, p1.ID, id1)

	assert.Same(t, p1, a.Get(id1))
	assert.Same(t, p2, a.Get(id2))

	snap := a.Snapshot()
	require.Len(t, snap, 2)

	a.Clear()
	assert.Equal(t, 0, a.Len())
	assert.Nil(t, a.Get(id1))
}
