package callpath

import (
	"runtime"
	"strings"
)

// Site identifies one source location: the package import path, the
// function name within the package, and a line number.
type Site struct {
	Module   string
	Function string
	Line     int
}

// SplitFunction splits a fully qualified runtime function name
// ("example.com/pkg.(*T).Method") into the package import path and the
// function name within it.
func SplitFunction(qualified string) (module, fn string) {
	slash := strings.LastIndexByte(qualified, '/')
	dot := strings.IndexByte(qualified[slash+1:], '.')
	if dot < 0 {
		return "", qualified
	}
	dot += slash + 1
	return qualified[:dot], qualified[dot+1:]
}

// VisitSites resolves the candidate allocation sites of a trace captured
// inside the dispatcher: every frame past the marker frame that is not
// part of the dispatch plumbing, innermost first. Frames are resolved
// lazily, one at a time, and the walk stops as soon as visit accepts a
// site, so an uninstrumented helper's frame costs one resolution before
// the scan climbs to its enclosing caller. Returns whether any site was
// accepted.
func (t Trace) VisitSites(marker string, plumbing []string, visit func(Site) bool) bool {
	if t.Empty() {
		return false
	}

	frames := runtime.CallersFrames(t.pcs)
	seen := false
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			if !seen {
				if strings.Contains(frame.Function, marker) {
					seen = true
				}
			} else if !isPlumbing(frame.Function, plumbing) {
				module, fn := SplitFunction(frame.Function)
				site := Site{
					Module:   module,
					Function: CleanFunctionName(fn),
					Line:     frame.Line,
				}
				if visit(site) {
					return true
				}
			}
		}
		if !more {
			return false
		}
	}
}

// Site returns the innermost candidate site: the first frame past the
// marker and dispatch plumbing.
func (t Trace) Site(marker string, plumbing []string) (Site, bool) {
	var out Site
	ok := t.VisitSites(marker, plumbing, func(s Site) bool {
		out = s
		return true
	})
	return out, ok
}

// Caller resolves the source location of the function calling the
// instrumentation entry point. skip counts additional frames above the
// caller of Caller itself.
func Caller(skip int) (Site, bool) {
	var pcs [8]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return Site{}, false
	}
	frame, _ := runtime.CallersFrames(pcs[:n]).Next()
	if frame.Function == "" {
		return Site{}, false
	}
	module, fn := SplitFunction(frame.Function)
	return Site{
		Module:   module,
		Function: CleanFunctionName(fn),
		Line:     frame.Line,
	}, true
}
