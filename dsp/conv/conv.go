package conv

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-convolver/dsp/fht"
)

// Errors returned by convolution functions.
var (
	ErrEmptyInput     = errors.New("conv: empty input")
	ErrEmptyKernel    = errors.New("conv: empty kernel")
	ErrLengthMismatch = errors.New("conv: buffer length mismatch")
)

// Mode selects which part of the full linear convolution is returned.
type Mode int

const (
	// ModeFull keeps all len(a)+len(b)-1 samples.
	ModeFull Mode = iota

	// ModeSame keeps the len(a) samples centred on the full result.
	ModeSame

	// ModeValid keeps the samples computed without implicit zero padding.
	ModeValid
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeSame:
		return "same"
	case ModeValid:
		return "valid"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// window returns the range [lo, hi) of the full result that m keeps.
func (m Mode) window(lenA, lenB int) (lo, hi int) {
	switch m {
	case ModeSame:
		lo = (lenB - 1) / 2
		return lo, lo + lenA
	case ModeValid:
		short, long := min(lenA, lenB), max(lenA, lenB)
		return short - 1, long
	default:
		return 0, lenA + lenB - 1
	}
}

// directThreshold is the shorter operand length up to which Convolve stays
// in the time domain.
const directThreshold = 64

// Direct returns the linear convolution of a and b, len(a)+len(b)-1
// samples, computed in the time domain. It is the numerical reference for
// the block convolvers.
func Direct(a, b []float64) ([]float64, error) {
	if err := checkOperands(a, b); err != nil {
		return nil, err
	}
	dst := make([]float64, len(a)+len(b)-1)
	if err := DirectTo(dst, a, b); err != nil {
		return nil, err
	}
	return dst, nil
}

// DirectTo writes the linear convolution of a and b into dst, which must
// hold exactly len(a)+len(b)-1 samples.
func DirectTo(dst, a, b []float64) error {
	if err := checkOperands(a, b); err != nil {
		return err
	}
	if len(dst) != len(a)+len(b)-1 {
		return fmt.Errorf("%w: dst has %d samples, want %d", ErrLengthMismatch, len(dst), len(a)+len(b)-1)
	}
	clear(dst)

	// Scale the longer operand by each sample of the shorter one.
	if len(a) > len(b) {
		a, b = b, a
	}
	m := len(b)
	scaled := make([]float64, m)
	for i, x := range a {
		if x == 0 {
			continue
		}
		vecmath.ScaleBlock(scaled, b, x)
		vecmath.AddBlockInPlace(dst[i:i+m], scaled)
	}
	return nil
}

// DirectCircular returns the N-point circular convolution of two length-N
// inputs.
func DirectCircular(a, b []float64) ([]float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return nil, ErrEmptyInput
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d and %d samples", ErrLengthMismatch, len(a), len(b))
	}

	full, err := Direct(a, b)
	if err != nil {
		return nil, err
	}
	n := len(a)
	vecmath.AddBlockInPlace(full[:n-1], full[n:])
	return full[:n], nil
}

// Convolve returns the linear convolution of a and b. Short operands are
// convolved directly, longer ones through one zero-padded Hartley
// transform.
func Convolve(a, b []float64) ([]float64, error) {
	if err := checkOperands(a, b); err != nil {
		return nil, err
	}
	if min(len(a), len(b)) <= directThreshold {
		return Direct(a, b)
	}
	return hartley(a, b)
}

// ConvolveMode is Convolve followed by the window that mode selects.
func ConvolveMode(a, b []float64, mode Mode) ([]float64, error) {
	full, err := Convolve(a, b)
	if err != nil {
		return nil, err
	}
	lo, hi := mode.window(len(a), len(b))
	return full[lo:hi], nil
}

func checkOperands(a, b []float64) error {
	if len(a) == 0 {
		return ErrEmptyInput
	}
	if len(b) == 0 {
		return ErrEmptyKernel
	}
	return nil
}

// plans caches native Hartley plans by length; plans are read-only and
// safe to share.
var plans sync.Map

func plan(n int) (fht.Transform, error) {
	if p, ok := plans.Load(n); ok {
		return p.(fht.Transform), nil
	}
	p, err := fht.New(n, fht.BackendNative)
	if err != nil {
		return nil, err
	}
	actual, _ := plans.LoadOrStore(n, p)
	return actual.(fht.Transform), nil
}

func hartley(a, b []float64) ([]float64, error) {
	outLen := len(a) + len(b) - 1
	t, err := plan(ceilPow2(outLen))
	if err != nil {
		return nil, err
	}

	n := t.Len()
	ha := make([]float64, n)
	hb := make([]float64, n)
	copy(ha, a)
	copy(hb, b)

	for _, h := range [][]float64{ha, hb} {
		if err := t.Forward(h, h); err != nil {
			return nil, err
		}
	}
	if err := fht.Convolve(ha, ha, hb); err != nil {
		return nil, err
	}
	if err := t.Inverse(ha, ha); err != nil {
		return nil, err
	}
	vecmath.ScaleBlockInPlace(ha, t.Scale())
	return ha[:outLen], nil
}

// ceilPow2 returns the smallest power of two >= n, and 1 for n <= 1.
func ceilPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
