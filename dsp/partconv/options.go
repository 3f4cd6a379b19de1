package partconv

import (
	"fmt"
	"log/slog"
)

// Pipeline selects how tail partitions are scheduled.
type Pipeline int

const (
	// PipelineHeadTail defers the tail of round r+1 into round r so each
	// Process call only waits for the nearest partition.
	PipelineHeadTail Pipeline = iota

	// PipelineSingle computes every partition inside the head stage.
	PipelineSingle
)

func (p Pipeline) String() string {
	switch p {
	case PipelineHeadTail:
		return "head-tail"
	case PipelineSingle:
		return "single"
	default:
		return fmt.Sprintf("Pipeline(%d)", int(p))
	}
}

// ParsePipeline maps "head-tail" or "single" to a Pipeline.
func ParsePipeline(name string) (Pipeline, error) {
	switch name {
	case "", "head-tail", "headtail":
		return PipelineHeadTail, nil
	case "single":
		return PipelineSingle, nil
	default:
		return 0, fmt.Errorf("%w: unknown pipeline %q", ErrInvalidArgument, name)
	}
}

// Config defines the engine geometry and scheduling.
type Config struct {
	// BlockSize is the number of samples per Process round. Power of two.
	BlockSize int

	// MaxConvLen is the longest impulse response any set may hold.
	MaxConvLen int

	MaxChannels int
	MaxSets     int

	// AccumBlocksPerStep is the number of tail partitions summed by one
	// group dispatch.
	AccumBlocksPerStep int

	Pipeline Pipeline

	// Crossfade fades between the old and new set in the block where a
	// channel switches sets.
	Crossfade bool

	// Synchronous makes Process and uploads wait for all queued work.
	Synchronous bool

	Logger *slog.Logger
}

// Option mutates a Config.
type Option func(*Config)

// DefaultConfig returns a stereo engine with 1024-sample blocks and
// impulse responses up to two seconds at 48 kHz.
func DefaultConfig() Config {
	return Config{
		BlockSize:          1024,
		MaxConvLen:         96000,
		MaxChannels:        2,
		MaxSets:            2,
		AccumBlocksPerStep: 16,
		Pipeline:           PipelineHeadTail,
		Logger:             slog.New(slog.DiscardHandler),
	}
}

// WithBlockSize sets the block size.
func WithBlockSize(n int) Option {
	return func(cfg *Config) { cfg.BlockSize = n }
}

// WithMaxConvLen sets the longest accepted impulse response.
func WithMaxConvLen(n int) Option {
	return func(cfg *Config) { cfg.MaxConvLen = n }
}

// WithMaxChannels sets the channel count.
func WithMaxChannels(n int) Option {
	return func(cfg *Config) { cfg.MaxChannels = n }
}

// WithMaxSets sets the number of upload sets.
func WithMaxSets(n int) Option {
	return func(cfg *Config) { cfg.MaxSets = n }
}

// WithAccumBlocksPerStep sets the tail group size.
func WithAccumBlocksPerStep(n int) Option {
	return func(cfg *Config) { cfg.AccumBlocksPerStep = n }
}

// WithPipeline selects the tail scheduling.
func WithPipeline(p Pipeline) Option {
	return func(cfg *Config) { cfg.Pipeline = p }
}

// WithCrossfade enables crossfading on set switches.
func WithCrossfade(enabled bool) Option {
	return func(cfg *Config) { cfg.Crossfade = enabled }
}

// WithSynchronous makes every call wait for its device work.
func WithSynchronous(enabled bool) Option {
	return func(cfg *Config) { cfg.Synchronous = enabled }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// ApplyOptions applies opts to DefaultConfig.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Validate checks the geometry.
func (c Config) Validate() error {
	switch {
	case c.BlockSize < 1 || c.BlockSize&(c.BlockSize-1) != 0:
		return fmt.Errorf("%w: block size %d is not a power of two", ErrInvalidArgument, c.BlockSize)
	case c.MaxConvLen < 1:
		return fmt.Errorf("%w: max convolution length %d", ErrInvalidArgument, c.MaxConvLen)
	case c.MaxChannels < 1:
		return fmt.Errorf("%w: max channels %d", ErrInvalidArgument, c.MaxChannels)
	case c.MaxSets < 1:
		return fmt.Errorf("%w: max sets %d", ErrInvalidArgument, c.MaxSets)
	case c.AccumBlocksPerStep < 1:
		return fmt.Errorf("%w: accum blocks per step %d", ErrInvalidArgument, c.AccumBlocksPerStep)
	case c.Pipeline != PipelineHeadTail && c.Pipeline != PipelineSingle:
		return fmt.Errorf("%w: %v", ErrInvalidArgument, c.Pipeline)
	}
	return nil
}
