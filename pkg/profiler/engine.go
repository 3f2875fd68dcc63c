// Package profiler is the public surface of the task-aware memory/time
// profiling engine.
//
// A process enables profiling once at startup (environment tuple or CLI
// flag), instruments functions and sections with [Begin] and
// [BeginSection], routes manual allocations through the engine's
// [Dispatcher], and calls [Finalize] at exit to flush the folded-stack
// output files.
package profiler

import (
	"errors"
	"os"
	"runtime"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/taskprof/taskprof/internal/alloc"
	"github.com/taskprof/taskprof/internal/callpath"
	"github.com/taskprof/taskprof/internal/config"
	"github.com/taskprof/taskprof/internal/folded"
	"github.com/taskprof/taskprof/internal/logging"
	"github.com/taskprof/taskprof/internal/registry"
	"github.com/taskprof/taskprof/internal/safe"
	"github.com/taskprof/taskprof/internal/taskctx"
)

// Engine is the explicitly constructed profiling singleton: built by
// [Init] when profiling is enabled, torn down by [Finalize]. The
// allocator dispatcher holds it behind an atomic pointer rather than
// reaching into ambient global state.
type Engine struct {
	cfg     config.Config
	logger  zerolog.Logger
	session folded.Session

	arena      *registry.Arena
	reg        *registry.Registry
	stack      *taskctx.Stack
	dispatcher *alloc.Dispatcher
	sym        callpath.Symbolizer

	timeAcc   *folded.Accumulator
	detailAcc *folded.Accumulator

	enabled   atomic.Bool
	finalized atomic.Bool
}

var current atomic.Pointer[Engine]

// ErrNoEngine is returned by allocation calls made before Init.
var ErrNoEngine = errors.New("profiler: engine not initialized")

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger overrides the diagnostic logger. Tests use it to capture
// diagnostics; the default writes to the side-channel log file.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSymbolizer overrides frame-name resolution. The default resolves
// through the host unwinder.
func WithSymbolizer(sym callpath.Symbolizer) Option {
	return func(e *Engine) {
		e.sym = sym
	}
}

// New constructs an engine without installing it as the process
// singleton. Most callers want [Init].
func New(cfg config.Config, opts ...Option) *Engine {
	session := folded.NewSession()
	e := &Engine{
		cfg:     cfg,
		session: session,
		sym:     callpath.RuntimeSymbolizer{},
		logger: logging.NewWithComponent(logging.Config{
			Level: announceLevel(cfg.Announce),
			Stem:  session.Stem,
		}, "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.arena = registry.NewArena()
	e.reg = registry.New(e.arena, e.logger)
	e.stack = taskctx.NewStack(e.logger)
	e.dispatcher = alloc.NewDispatcher(e.stack, e.logger)
	e.timeAcc = folded.NewAccumulator()
	e.detailAcc = folded.NewAccumulator()

	if cfg.Enabled {
		e.enabled.Store(true)
		e.dispatcher.SetSink(e)
	}
	return e
}

func announceLevel(mode config.AnnounceMode) string {
	switch mode {
	case config.AnnounceLoud:
		return "info"
	case config.AnnounceQuiet:
		return "warn"
	default:
		return "error"
	}
}

// Init constructs the engine from cfg and installs it as the process
// singleton. A disabled configuration still returns a valid engine whose
// operations are all no-ops.
func Init(cfg config.Config, opts ...Option) *Engine {
	e := New(cfg, opts...)
	current.Store(e)
	e.announce()
	return e
}

// InitFromEnv reads the enable tuple from the environment and
// initializes the engine. A malformed tuple is reported once on the
// diagnostic channel and profiling stays fully disabled.
func InitFromEnv(opts ...Option) *Engine {
	cfg, err := config.FromEnv()
	if err != nil {
		e := Init(config.Disabled(), opts...)
		e.logger.Error().Err(err).Str("var", config.EnvVar).Msg("Invalid profiling configuration; profiling disabled")
		return e
	}
	return Init(cfg, opts...)
}

// Current returns the installed engine, or nil before Init.
func Current() *Engine {
	return current.Load()
}

func (e *Engine) announce() {
	if !e.cfg.Enabled {
		return
	}
	switch e.cfg.Announce {
	case config.AnnounceLoud:
		e.logger.Info().
			Str("type", e.cfg.Type.String()).
			Bool("detailed_memory", e.cfg.DetailedMemory).
			Str("output_dir", e.cfg.OutputDir).
			Str("session", e.session.Timestamp+"-"+e.session.ID).
			Msg("Profiling session started")
	case config.AnnounceQuiet:
		e.logger.Warn().Str("session", e.session.ID).Msg("Profiling session started")
	}
}

// Enabled reports whether attribution is currently active. This is a
// single atomic load, cheap enough for the allocation hot path.
func (e *Engine) Enabled() bool {
	return e != nil && e.enabled.Load()
}

// Disable halts attribution immediately. Active scope guards still
// release correctly; new allocations simply stop being attributed.
// Accumulated counters are untouched and still flush at finalization.
func (e *Engine) Disable() {
	if e == nil {
		return
	}
	e.enabled.Store(false)
	e.dispatcher.SetSink(nil)
}

// Enable resumes attribution after Disable. It has no effect once the
// engine has been finalized or when profiling was never configured on.
func (e *Engine) Enable() {
	if e == nil || !e.cfg.Enabled || e.finalized.Load() {
		return
	}
	e.enabled.Store(true)
	e.dispatcher.SetSink(e)
}

// Dispatcher returns the allocator dispatcher every manual allocation
// should flow through.
func (e *Engine) Dispatcher() *alloc.Dispatcher {
	if e == nil {
		return nil
	}
	return e.dispatcher
}

// Allocate obtains size bytes with the given alignment from the
// engine's arena, attributing the allocation to the innermost enclosing
// profiled scope.
func (e *Engine) Allocate(size, align int) (unsafe.Pointer, error) {
	if e == nil {
		return nil, ErrNoEngine
	}
	return e.dispatcher.Allocate(size, align)
}

// Deallocate returns memory obtained from Allocate. Frees are never
// attributed back to a scope; the accounting model is cumulative.
func (e *Engine) Deallocate(ptr unsafe.Pointer, size, align int) {
	if e == nil {
		return
	}
	e.dispatcher.Deallocate(ptr, size, align)
}

// Reallocate resizes memory obtained from Allocate. The new block is
// attributed to the scope active at the time of the call.
func (e *Engine) Reallocate(ptr unsafe.Pointer, oldSize, newSize, align int) (unsafe.Pointer, error) {
	if e == nil {
		return nil, ErrNoEngine
	}
	return e.dispatcher.Reallocate(ptr, oldSize, newSize, align)
}

// Config returns the engine's startup configuration.
func (e *Engine) Config() config.Config {
	if e == nil {
		return config.Disabled()
	}
	return e.cfg
}

// MemoryActive implements [alloc.Sink].
func (e *Engine) MemoryActive() bool {
	return e.Enabled() && e.cfg.Type.IncludesMemory()
}

// RecordAllocation implements [alloc.Sink]: it attributes one successful
// allocation to the innermost registered frame in the backtrace, so an
// allocation made inside an uninstrumented helper climbs to the
// enclosing profiled scope. It runs with the calling goroutine already
// suppressed.
func (e *Engine) RecordAllocation(size int, addr uintptr) {
	trace := callpath.Capture(1)
	bytes, _ := safe.IntToUint64(size)

	trace.VisitSites(alloc.Marker, alloc.Plumbing, func(site callpath.Site) bool {
		// Fast-reject before paying for a registry range scan: most
		// frames belong to no profiled scope.
		if !e.reg.HasFunction(site.Module, site.Function) {
			return false
		}
		return e.reg.RecordAllocation(site.Module, site.Function, site.Line, bytes, trace, e)
	})
}

// RecordDetailed implements [registry.DetailSink]: full symbolization is
// deferred to here, so only detailed-memory profiles pay for it.
func (e *Engine) RecordDetailed(ref registry.Ref, size uint64, trace callpath.Trace) {
	frames := e.sym.FrameNames(trace)
	chain := callpath.Reconstruct(frames, alloc.Marker, ref.FnName, alloc.Plumbing)
	key := callpath.Key(ref.Path, chain)
	if key == "" {
		key = "[out_of_bounds]"
	}
	e.detailAcc.Add(key, size)
}

// Finalize flushes all accumulated data to the folded-stack output
// files, logs a process memory summary, and tears the engine down. It is
// idempotent; output I/O failures go to the diagnostic channel and never
// block process exit.
func (e *Engine) Finalize() {
	if e == nil || !e.finalized.CompareAndSwap(false, true) {
		return
	}
	e.enabled.Store(false)
	e.dispatcher.SetSink(nil)

	if e.cfg.Enabled {
		e.flush()
		e.logMemorySummary()
	}

	e.dispatcher.Close()
	e.arena.Clear()
	current.CompareAndSwap(e, nil)
}

func (e *Engine) flush() {
	dir := e.cfg.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Error().Err(err).Str("dir", dir).Msg("Cannot create output directory; profiles not written")
		return
	}

	if e.cfg.Type.IncludesTime() {
		inclusive := e.timeAcc.Snapshot()
		if len(inclusive) > 0 {
			exclusive := folded.Exclusive(inclusive)
			folded.WriteFileLogged(e.session.TimePath(dir), exclusive, e.logger)
			folded.WriteFileLogged(e.session.InclusiveTimePath(dir), inclusive, e.logger)
			folded.WritePprof(e.session.PprofPath(dir, "time"), exclusive, "time", "microseconds", e.logger)
		}
	}

	if e.cfg.Type.IncludesMemory() {
		summary := e.memorySummaryEntries()
		if len(summary) > 0 {
			folded.WriteFileLogged(e.session.MemoryPath(dir), summary, e.logger)
			folded.WritePprof(e.session.PprofPath(dir, "memory"), summary, "alloc_space", "bytes", e.logger)
		}
		if e.cfg.DetailedMemory {
			detail := e.detailAcc.Snapshot()
			if len(detail) > 0 {
				folded.WriteFileLogged(e.session.MemoryDetailPath(dir), detail, e.logger)
			}
		}
	}
}

// memorySummaryEntries collects the per-profile cumulative totals for
// every reachable summary-mode memory profile. Profiles replaced by a
// reconfigured registration never surface here, and detailed profiles
// surface through the detail stream instead.
func (e *Engine) memorySummaryEntries() []folded.Entry {
	var entries []folded.Entry
	for _, p := range e.reg.Profiles() {
		if !p.Type.IncludesMemory() || p.DetailedMemory {
			continue
		}
		entries = append(entries, folded.Entry{Path: p.Path(), Weight: p.AllocatedBytes()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func (e *Engine) logMemorySummary() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		e.logger.Debug().Err(err).Msg("No process memory summary available")
		return
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		e.logger.Debug().Err(err).Msg("No process memory summary available")
		return
	}
	e.logger.Info().
		Uint64("rss_bytes", mem.RSS).
		Uint64("vms_bytes", mem.VMS).
		Int("profiles", e.arena.Len()).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("Profiling session finalized")
}

// Finalize flushes and tears down the process singleton.
func Finalize() {
	Current().Finalize()
}
