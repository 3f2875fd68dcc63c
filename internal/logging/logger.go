// Package logging provides the profiler's diagnostic side channel.
//
// Diagnostics never go to the profiled program's stdout or stderr. The
// default sink is a log file under the OS temp directory; callers that
// need a different destination (tests, announce mode) inject a writer.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config contains diagnostic logger configuration.
type Config struct {
	// Level sets the logging level (trace, debug, info, warn, error).
	Level string
	// Output sets the output writer. When nil, a side log file under
	// SideChannelDir is opened instead.
	Output io.Writer
	// Stem names the side log file when Output is nil.
	Stem string
}

// DefaultConfig returns a default diagnostic logger configuration.
func DefaultConfig() Config {
	return Config{
		Level: "warn",
	}
}

// SideChannelDir returns the directory holding side log files, creating
// it if needed.
func SideChannelDir() string {
	dir := filepath.Join(os.TempDir(), "taskprof")
	_ = os.MkdirAll(dir, 0o700)
	return dir
}

// SideChannelPath returns the side log file path for the given stem.
func SideChannelPath(stem string) string {
	if stem == "" {
		stem = "taskprof"
	}
	return filepath.Join(SideChannelDir(), stem+"-debug.log")
}

// New creates a diagnostic zerolog logger with the given configuration.
// If no writer is configured and the side log file cannot be opened, the
// returned logger discards everything rather than touching the host
// program's output streams.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	switch cfg.Level {
	case "trace":
		level = zerolog.TraceLevel
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		f, err := os.OpenFile(SideChannelPath(cfg.Stem), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return Nop()
		}
		output = f
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewWithComponent creates a logger with a component field for structured logging.
func NewWithComponent(cfg Config, component string) zerolog.Logger {
	return New(cfg).With().Str("component", component).Logger()
}

// Nop returns a logger that discards all events.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
