package fht

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by transform constructors and product helpers.
var (
	ErrInvalidSize    = errors.New("fht: size must be a power of two")
	ErrLengthMismatch = errors.New("fht: buffer length mismatch")
	ErrUnknownBackend = errors.New("fht: unknown backend")
)

// Transform is a forward/inverse Hartley transform of fixed length.
type Transform interface {
	// Len returns the transform length N.
	Len() int

	// Forward writes the Hartley transform of src into dst.
	// dst and src must both have length N and may be the same slice.
	Forward(dst, src []float64) error

	// Inverse writes the unnormalised inverse transform of src into dst.
	// Inverse(Forward(x)) equals x / Scale().
	Inverse(dst, src []float64) error

	// Scale returns the normalisation factor 1/N.
	Scale() float64
}

// Backend selects the transform implementation.
type Backend int

const (
	// BackendNative uses the table-driven radix-2 Hartley transform.
	BackendNative Backend = iota

	// BackendFFT derives the Hartley transform from an algo-fft complex plan.
	BackendFFT
)

// minFFTBackendSize is the smallest length handed to algo-fft. Shorter
// transforms always use the native plan.
const minFFTBackendSize = 8

// String returns the backend name used on the command line.
func (b Backend) String() string {
	switch b {
	case BackendNative:
		return "native"
	case BackendFFT:
		return "fft"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend maps a backend name to its Backend value.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "native":
		return BackendNative, nil
	case "fft", "algofft":
		return BackendFFT, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// New returns a transform of length n using the requested backend.
func New(n int, b Backend) (Transform, error) {
	switch b {
	case BackendNative:
		return NewPlan(n)
	case BackendFFT:
		if n < minFFTBackendSize {
			return NewPlan(n)
		}
		return NewFFTPlan(n)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownBackend, int(b))
	}
}

func isPowerOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func checkLen(n int, bufs ...[]float64) error {
	for _, b := range bufs {
		if len(b) != n {
			return fmt.Errorf("%w: want %d, got %d", ErrLengthMismatch, n, len(b))
		}
	}
	return nil
}
