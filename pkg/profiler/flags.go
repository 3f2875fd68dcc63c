package profiler

import (
	"github.com/spf13/pflag"

	"github.com/taskprof/taskprof/internal/config"
)

// FlagBinding holds the raw tuple value collected from a command line
// until [FlagBinding.Init] resolves it into an engine.
type FlagBinding struct {
	value string
}

// RegisterFlags adds the profiling flag to fs. The flag takes the same
// tuple syntax as the environment variable; an explicit flag value
// overrides the environment at Init time.
func RegisterFlags(fs *pflag.FlagSet) *FlagBinding {
	b := &FlagBinding{}
	config.RegisterFlags(fs, &b.value)
	return b
}

// Init resolves the collected flag value and installs the process
// engine. An empty flag value falls back to the environment tuple; a
// malformed value disables profiling and reports once on the diagnostic
// channel, mirroring [InitFromEnv].
func (b *FlagBinding) Init(opts ...Option) *Engine {
	if b.value == "" {
		return InitFromEnv(opts...)
	}
	cfg, err := config.Parse(b.value)
	if err != nil {
		e := Init(config.Disabled(), opts...)
		e.logger.Error().Err(err).Str("flag", "taskprof").Msg("Invalid profiling configuration; profiling disabled")
		return e
	}
	return Init(cfg, opts...)
}
