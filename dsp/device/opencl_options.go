package device

import "log/slog"

// OpenCLConfig holds the OpenCL device settings.
type OpenCLConfig struct {
	// Synchronous runs queue submissions inline.
	Synchronous bool

	// PreferCPU picks an OpenCL CPU device before any GPU.
	PreferCPU bool

	Logger *slog.Logger
}

// OpenCLOption mutates an OpenCLConfig.
type OpenCLOption func(*OpenCLConfig)

func defaultOpenCLConfig() OpenCLConfig {
	return OpenCLConfig{Logger: slog.New(slog.DiscardHandler)}
}

// WithOpenCLSynchronous makes both queues run submissions inline.
func WithOpenCLSynchronous(enabled bool) OpenCLOption {
	return func(cfg *OpenCLConfig) { cfg.Synchronous = enabled }
}

// WithOpenCLPreferCPU selects an OpenCL CPU device when one exists.
func WithOpenCLPreferCPU(enabled bool) OpenCLOption {
	return func(cfg *OpenCLConfig) { cfg.PreferCPU = enabled }
}

// WithOpenCLLogger sets the device logger.
func WithOpenCLLogger(logger *slog.Logger) OpenCLOption {
	return func(cfg *OpenCLConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}
