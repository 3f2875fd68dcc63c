package folded

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"

	"github.com/taskprof/taskprof/internal/safe"
)

// ExportPprof converts folded entries into a pprof protobuf profile so
// the accumulated data can be inspected with standard pprof tooling.
// Folded paths are root-first; pprof samples want the leaf first.
func ExportPprof(entries []Entry, sampleType, unit string) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: sampleType, Unit: unit},
		},
	}

	funcs := make(map[string]*profile.Function)
	locs := make(map[string]*profile.Location)
	var funcID, locID uint64

	locationFor := func(name string) *profile.Location {
		if loc, ok := locs[name]; ok {
			return loc
		}
		fn, ok := funcs[name]
		if !ok {
			funcID++
			fn = &profile.Function{ID: funcID, Name: name, SystemName: name}
			funcs[name] = fn
			prof.Function = append(prof.Function, fn)
		}
		locID++
		loc := &profile.Location{
			ID:   locID,
			Line: []profile.Line{{Function: fn}},
		}
		locs[name] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	for _, e := range entries {
		frames := strings.Split(e.Path, ";")
		sampleLocs := make([]*profile.Location, 0, len(frames))
		for i := len(frames) - 1; i >= 0; i-- {
			if frames[i] == "" {
				continue
			}
			sampleLocs = append(sampleLocs, locationFor(frames[i]))
		}
		if len(sampleLocs) == 0 {
			continue
		}
		// A clamped weight means the counter overflowed int64; better a
		// saturated sample than a dropped one.
		weight, _ := safe.Uint64ToInt64(e.Weight)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: sampleLocs,
			Value:    []int64{weight},
		})
	}

	return prof
}

// WritePprof exports entries as a gzip-compressed pprof profile at path,
// logging failures to the diagnostic channel only.
func WritePprof(path string, entries []Entry, sampleType, unit string, logger zerolog.Logger) bool {
	prof := ExportPprof(entries, sampleType, unit)

	f, err := os.Create(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to create pprof export")
		return false
	}

	err = prof.Write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		logger.Error().Err(fmt.Errorf("writing pprof export: %w", err)).Str("path", path).Msg("Failed to write pprof export")
		return false
	}

	logger.Info().Str("path", path).Int("samples", len(prof.Sample)).Msg("Wrote pprof export")
	return true
}
