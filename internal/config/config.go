// Package config parses the profiler enable switch.
//
// The switch is a comma-separated tuple carried either in the TASKPROF
// environment variable or in CLI flags:
//
//	TASKPROF=<time|memory|both|none>,<base-path>,<none|quiet|announce>,<true|false>
//
// Only the first field is mandatory. A malformed tuple is reported once
// by the caller and the subsystem stays fully disabled.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// EnvVar is the environment variable holding the enable tuple.
const EnvVar = "TASKPROF"

// ProfileType selects which measurements are collected.
type ProfileType uint8

const (
	// TypeNone disables all collection.
	TypeNone ProfileType = iota
	// TypeTime collects elapsed wall time per scope.
	TypeTime
	// TypeMemory collects allocated bytes per scope.
	TypeMemory
	// TypeBoth collects both time and memory.
	TypeBoth
)

// IncludesTime reports whether time collection is selected.
func (t ProfileType) IncludesTime() bool {
	return t == TypeTime || t == TypeBoth
}

// IncludesMemory reports whether memory collection is selected.
func (t ProfileType) IncludesMemory() bool {
	return t == TypeMemory || t == TypeBoth
}

// Intersect returns the measurements selected by both types.
func (t ProfileType) Intersect(o ProfileType) ProfileType {
	wantTime := t.IncludesTime() && o.IncludesTime()
	wantMemory := t.IncludesMemory() && o.IncludesMemory()
	switch {
	case wantTime && wantMemory:
		return TypeBoth
	case wantTime:
		return TypeTime
	case wantMemory:
		return TypeMemory
	default:
		return TypeNone
	}
}

func (t ProfileType) String() string {
	switch t {
	case TypeTime:
		return "time"
	case TypeMemory:
		return "memory"
	case TypeBoth:
		return "both"
	default:
		return "none"
	}
}

// ParseProfileType parses a profile type token.
func ParseProfileType(s string) (ProfileType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "time":
		return TypeTime, nil
	case "memory":
		return TypeMemory, nil
	case "both":
		return TypeBoth, nil
	case "none", "":
		return TypeNone, nil
	default:
		return TypeNone, fmt.Errorf("invalid profile type %q (want time, memory, both or none)", s)
	}
}

// AnnounceMode controls startup announcement of the session on the
// diagnostic channel.
type AnnounceMode uint8

const (
	// AnnounceNone suppresses the announcement.
	AnnounceNone AnnounceMode = iota
	// AnnounceQuiet logs a single identifying line.
	AnnounceQuiet
	// AnnounceLoud logs the full configuration at info level.
	AnnounceLoud
)

func (m AnnounceMode) String() string {
	switch m {
	case AnnounceQuiet:
		return "quiet"
	case AnnounceLoud:
		return "announce"
	default:
		return "none"
	}
}

func parseAnnounceMode(s string) (AnnounceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return AnnounceNone, nil
	case "quiet":
		return AnnounceQuiet, nil
	case "announce":
		return AnnounceLoud, nil
	default:
		return AnnounceNone, fmt.Errorf("invalid announce mode %q (want none, quiet or announce)", s)
	}
}

// Config is the process-wide profiling configuration, set once at startup.
type Config struct {
	// Enabled is the master switch.
	Enabled bool
	// Type selects time, memory or both.
	Type ProfileType
	// OutputDir is the base path for .folded output files. Empty means
	// the current working directory.
	OutputDir string
	// Announce controls the startup announcement.
	Announce AnnounceMode
	// DetailedMemory enables per-call-path memory attribution instead of
	// per-scope aggregate totals.
	DetailedMemory bool
}

// Disabled returns the configuration of a fully disabled profiler.
func Disabled() Config {
	return Config{}
}

// Parse parses the enable tuple. The empty string yields a disabled
// configuration with no error.
func Parse(value string) (Config, error) {
	if strings.TrimSpace(value) == "" {
		return Disabled(), nil
	}

	parts := strings.Split(value, ",")
	if len(parts) > 4 {
		return Disabled(), fmt.Errorf("enable tuple has %d fields, want at most 4", len(parts))
	}

	pt, err := ParseProfileType(parts[0])
	if err != nil {
		return Disabled(), fmt.Errorf("parsing enable tuple: %w", err)
	}

	cfg := Config{
		Enabled: pt != TypeNone,
		Type:    pt,
	}

	if len(parts) > 1 {
		cfg.OutputDir = strings.TrimSpace(parts[1])
	}

	if len(parts) > 2 {
		mode, err := parseAnnounceMode(parts[2])
		if err != nil {
			return Disabled(), fmt.Errorf("parsing enable tuple: %w", err)
		}
		cfg.Announce = mode
	}

	if len(parts) > 3 {
		detailed, err := strconv.ParseBool(strings.TrimSpace(parts[3]))
		if err != nil {
			return Disabled(), fmt.Errorf("parsing enable tuple detailed-memory field: %w", err)
		}
		cfg.DetailedMemory = detailed
	}

	// Detail without memory collection has nothing to attach to.
	if cfg.DetailedMemory && !cfg.Type.IncludesMemory() {
		return Disabled(), fmt.Errorf("detailed memory requires profile type memory or both, got %s", cfg.Type)
	}

	return cfg, nil
}

// FromEnv reads the enable tuple from the environment. An unset variable
// yields a disabled configuration with no error.
func FromEnv() (Config, error) {
	return Parse(os.Getenv(EnvVar))
}

// RegisterFlags adds the profiling flags to the given flag set. The flag
// value mirrors the environment tuple so both entry points share one
// format.
func RegisterFlags(fs *pflag.FlagSet, target *string) {
	fs.StringVar(target, "taskprof", "",
		"profiling switch: <time|memory|both>[,<base-path>[,<none|quiet|announce>[,<true|false>]]]")
}
