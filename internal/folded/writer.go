package folded

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/taskprof/taskprof/internal/safe"
)

// WriteFile serializes entries to path, one folded line each. Zero-weight
// entries are written too: they preserve the call hierarchy for readers
// that reconstruct the tree. I/O failures are returned for the caller to
// log on the diagnostic channel; they must never reach the profiled
// program's output streams or block process exit.
func WriteFile(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating folded output: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s %d\n", e.Path, e.Weight); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing folded entry: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flushing folded output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing folded output: %w", err)
	}
	return nil
}

// WriteFileLogged writes entries and routes any failure to the
// diagnostic logger, returning whether the write succeeded.
func WriteFileLogged(path string, entries []Entry, logger zerolog.Logger) bool {
	if err := WriteFile(path, entries); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to write folded output")
		return false
	}
	logger.Info().Str("path", path).Int("entries", len(entries)).Msg("Wrote folded output")
	return true
}

// Exclusive converts inclusive weights (each scope's total including its
// nested scopes) to exclusive self weights by subtracting every direct
// child's inclusive weight from its parent. Rounding or attribution skew
// can make a parent nominally smaller than its children; such entries
// clamp to zero instead of going negative.
func Exclusive(entries []Entry) []Entry {
	self := make(map[string]int64, len(entries))
	for _, e := range entries {
		w, _ := safe.Uint64ToInt64(e.Weight)
		self[e.Path] += w
	}
	for _, e := range entries {
		idx := strings.LastIndexByte(e.Path, ';')
		if idx < 0 {
			continue
		}
		parent := e.Path[:idx]
		if _, ok := self[parent]; ok {
			w, _ := safe.Uint64ToInt64(e.Weight)
			self[parent] -= w
		}
	}

	out := make([]Entry, 0, len(self))
	for path, w := range self {
		if w < 0 {
			w = 0
		}
		out = append(out, Entry{Path: path, Weight: uint64(w)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
