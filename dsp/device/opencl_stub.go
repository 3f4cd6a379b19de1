//go:build !opencl

package device

import "fmt"

// NewOpenCL reports ErrNotImplemented; rebuild with -tags opencl.
func NewOpenCL(opts ...OpenCLOption) (Device, error) {
	cfg := defaultOpenCLConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.Logger.Debug("opencl device requested without opencl build tag")
	return nil, fmt.Errorf("%w: OpenCL support is not enabled; rebuild with -tags opencl", ErrNotImplemented)
}
