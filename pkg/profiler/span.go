package profiler

import (
	"strings"
	"time"

	"github.com/taskprof/taskprof/internal/callpath"
	"github.com/taskprof/taskprof/internal/config"
	"github.com/taskprof/taskprof/internal/registry"
	"github.com/taskprof/taskprof/internal/safe"
	"github.com/taskprof/taskprof/internal/taskctx"
)

// Span is an active profiled scope. It is created by [Begin] or
// [BeginSection] and must be closed with End, typically via defer. A nil
// or disabled span is safe to End.
type Span struct {
	engine *Engine
	ref    registry.Ref
	guard  *taskctx.Guard
	path   []string
	start  time.Time
}

type spanConfig struct {
	name           string
	profileType    config.ProfileType
	detailedMemory bool
	startLine      int
	endLine        int
}

// SpanOption customizes scope registration.
type SpanOption func(*spanConfig)

// WithName overrides the scope's display name. The default is the
// instrumented function's own name.
func WithName(name string) SpanOption {
	return func(c *spanConfig) {
		c.name = name
	}
}

// WithType restricts the scope to time-only or memory-only profiling.
// The default follows the session's configured profile type. A request
// sharing no measurement with the session yields a no-op span.
func WithType(t config.ProfileType) SpanOption {
	return func(c *spanConfig) {
		c.profileType = t
	}
}

// WithDetailedMemory routes this scope's allocations to the per-site
// detail stream instead of the cumulative summary counter. It only takes
// effect when the session enabled detailed memory profiling.
func WithDetailedMemory() SpanOption {
	return func(c *spanConfig) {
		c.detailedMemory = true
	}
}

// WithLines bounds the scope to a line range within the instrumented
// function, so several sections of one function can carry separate
// profiles. Zero start or end leaves that side unconstrained.
func WithLines(start, end int) SpanOption {
	return func(c *spanConfig) {
		c.startLine = start
		c.endLine = end
	}
}

// Begin opens a profiled scope for the calling function on the process
// engine. It returns a span whose End must run when the scope exits:
//
//	span := profiler.Begin()
//	defer span.End()
//
// When profiling is disabled the returned span is a no-op.
func Begin(opts ...SpanOption) *Span {
	return Current().begin(1, opts...)
}

// BeginSection opens a named line-bounded scope inside the calling
// function. It is shorthand for Begin with WithName and WithLines.
func BeginSection(name string, start, end int, opts ...SpanOption) *Span {
	opts = append([]SpanOption{WithName(name), WithLines(start, end)}, opts...)
	return Current().begin(1, opts...)
}

// Begin opens a profiled scope for the calling function on this engine.
func (e *Engine) Begin(opts ...SpanOption) *Span {
	return e.begin(1, opts...)
}

// BeginSection opens a named line-bounded scope on this engine.
func (e *Engine) BeginSection(name string, start, end int, opts ...SpanOption) *Span {
	opts = append([]SpanOption{WithName(name), WithLines(start, end)}, opts...)
	return e.begin(1, opts...)
}

func (e *Engine) begin(skip int, opts ...SpanOption) *Span {
	if !e.Enabled() {
		return nil
	}

	site, ok := callpath.Caller(skip + 1)
	if !ok {
		return nil
	}

	sc := spanConfig{profileType: e.cfg.Type}
	for _, opt := range opts {
		opt(&sc)
	}
	// A scope cannot profile more than the session collects. A request
	// sharing nothing with the session is a no-op, never a substituted
	// measurement the caller did not ask for.
	sc.profileType = sc.profileType.Intersect(e.cfg.Type)
	if sc.profileType == config.TypeNone {
		return nil
	}

	ref := e.reg.Register(&registry.Profile{
		ModulePath:     site.Module,
		FnName:         site.Function,
		CustomName:     sc.name,
		StartLine:      sc.startLine,
		EndLine:        sc.endLine,
		Type:           sc.profileType,
		DetailedMemory: sc.detailedMemory && e.cfg.DetailedMemory,
	})
	if !ref.Valid() {
		return nil
	}

	sp := &Span{
		engine: e,
		ref:    ref,
		guard:  e.stack.Enter(ref),
	}
	if sc.profileType.IncludesTime() {
		sp.path = e.stack.PathSegments()
		sp.start = time.Now()
	}
	return sp
}

// End closes the scope. The task-context entry is always released, even
// when the engine was disabled mid-span, so the goroutine's stack never
// leaks entries. Elapsed time is attributed only while the engine is
// still enabled.
func (sp *Span) End() {
	if sp == nil {
		return
	}
	elapsed := time.Since(sp.start)
	sp.guard.Release()

	e := sp.engine
	if !e.Enabled() {
		return
	}

	e.reg.RecordCall(sp.ref)
	if !sp.start.IsZero() {
		e.reg.RecordElapsed(sp.ref, elapsed)
		micros, _ := safe.Int64ToUint64(elapsed.Microseconds())
		e.timeAcc.Add(strings.Join(sp.path, ";"), micros)
	}
}

// Ref returns the scope's registry handle, mainly for tests and
// diagnostics. A nil span returns an invalid ref.
func (sp *Span) Ref() registry.Ref {
	if sp == nil {
		return registry.Ref{}
	}
	return sp.ref
}
