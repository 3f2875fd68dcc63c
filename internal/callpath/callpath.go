// Package callpath reconstructs the logical call chain leading to an
// allocation from unwind information, without instrumenting every
// intermediate function.
//
// Capture is cheap (raw program counters only); name resolution is
// deferred and paid only for detailed-memory profiles.
package callpath

import (
	"runtime"
	"strings"
)

// Trace is a raw captured backtrace: program counters only, unresolved.
type Trace struct {
	pcs []uintptr
}

// maxDepth bounds captured stacks. Allocation sites deeper than this are
// truncated at the outer end.
const maxDepth = 128

// Capture records the caller's stack as raw program counters. skip
// counts frames to omit before the caller of Capture itself.
func Capture(skip int) Trace {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, pcs)
	return Trace{pcs: pcs[:n]}
}

// Empty reports whether the trace holds no frames.
func (t Trace) Empty() bool {
	return len(t.pcs) == 0
}

// Symbolizer resolves a raw trace to fully qualified function names,
// innermost first. The runtime-backed implementation is the default;
// tests substitute synthetic frames to exercise boundary matching.
type Symbolizer interface {
	FrameNames(t Trace) []string
}

// RuntimeSymbolizer resolves frames through the host unwinder.
type RuntimeSymbolizer struct{}

// FrameNames resolves the trace to function names, innermost first.
// Inlined callees are expanded into their own frames.
func (RuntimeSymbolizer) FrameNames(t Trace) []string {
	if t.Empty() {
		return nil
	}
	frames := runtime.CallersFrames(t.pcs)
	names := make([]string, 0, len(t.pcs))
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			names = append(names, frame.Function)
		}
		if !more {
			break
		}
	}
	return names
}

// CleanFunctionName strips compiler-generated disambiguation from a
// resolved frame name: anonymous-closure wrappers (".func1", ".func2.1"),
// generic instantiation brackets, and any whitespace the unwinder left
// in. A function and its internal sub-closures collapse into one logical
// name.
func CleanFunctionName(name string) string {
	// Collapse closures: everything from the first ".funcN" suffix on
	// belongs to compiler-generated wrappers.
	if idx := closureIndex(name); idx >= 0 {
		name = name[:idx]
	}

	// Drop generic instantiation noise like [go.shape.int].
	for {
		open := strings.IndexByte(name, '[')
		if open < 0 {
			break
		}
		close := strings.IndexByte(name[open:], ']')
		if close < 0 {
			name = name[:open]
			break
		}
		name = name[:open] + name[open+close+1:]
	}

	name = strings.TrimSuffix(name, ".")

	// Folded segments may not contain ';' or whitespace.
	if strings.ContainsAny(name, "; \t") {
		r := strings.NewReplacer(";", ":", " ", "", "\t", "")
		name = r.Replace(name)
	}
	return name
}

// closureIndex returns the offset of the first ".funcN" closure suffix,
// or -1 if the name has none.
func closureIndex(name string) int {
	search := name
	base := 0
	for {
		i := strings.Index(search, ".func")
		if i < 0 {
			return -1
		}
		rest := search[i+len(".func"):]
		if len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
			return base + i
		}
		base += i + len(".func")
		search = search[i+len(".func"):]
	}
}

// isPlumbing reports whether the frame belongs to the profiler's own
// dispatch path rather than the profiled program.
func isPlumbing(frame string, plumbing []string) bool {
	for _, p := range plumbing {
		if strings.Contains(frame, p) {
			return true
		}
	}
	return false
}

// Reconstruct derives the cleaned call chain from resolved frame names
// (innermost first). Frames up to and including the dispatcher marker
// frame and any further plumbing frames are discarded so implementation
// frames never leak into output; the chain is then bounded at the first
// frame containing the profile's own declared name, cleaned, and
// deduplicated preserving first-seen order.
func Reconstruct(frames []string, marker, boundary string, plumbing []string) []string {
	i := 0
	for i < len(frames) && !strings.Contains(frames[i], marker) {
		i++
	}
	if i == len(frames) {
		// Marker never appeared; nothing attributable.
		return nil
	}
	i++
	for i < len(frames) && isPlumbing(frames[i], plumbing) {
		i++
	}

	seen := make(map[string]struct{})
	var chain []string
	for ; i < len(frames); i++ {
		if boundary != "" && strings.Contains(frames[i], boundary) {
			break
		}
		name := CleanFunctionName(frames[i])
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		chain = append(chain, name)
	}
	return chain
}

// Key builds the folded-stack key: the profile's own declared path ahead
// of the reconstructed chain reversed to outermost-first order.
func Key(profilePath string, chain []string) string {
	segments := make([]string, 0, len(chain)+1)
	if profilePath != "" {
		segments = append(segments, profilePath)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		segments = append(segments, chain[i])
	}
	return strings.Join(segments, ";")
}
