package fht

import (
	"fmt"

	algofft "github.com/MeKo-Christian/algo-fft"
)

// FFTPlan computes the Hartley transform through a complex FFT:
//
//	H[k] = Re(X[k]) - Im(X[k])
//
// where X is the DFT of the real input. The plan owns complex scratch and is
// not safe for concurrent use.
type FFTPlan struct {
	n    int
	plan *algofft.Plan[complex128]
	buf  []complex128
}

// NewFFTPlan creates an algo-fft backed n-point Hartley transform.
func NewFFTPlan(n int) (*FFTPlan, error) {
	if !isPowerOf2(n) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}

	plan, err := algofft.NewPlan64(n)
	if err != nil {
		return nil, fmt.Errorf("fht: failed to create FFT plan for size %d: %w", n, err)
	}

	return &FFTPlan{
		n:    n,
		plan: plan,
		buf:  make([]complex128, n),
	}, nil
}

// Len returns the transform length.
func (p *FFTPlan) Len() int { return p.n }

// Scale returns 1/Len().
func (p *FFTPlan) Scale() float64 { return 1 / float64(p.n) }

// Forward computes the Hartley transform of src into dst.
func (p *FFTPlan) Forward(dst, src []float64) error {
	if err := checkLen(p.n, dst, src); err != nil {
		return err
	}

	for i, v := range src {
		p.buf[i] = complex(v, 0)
	}

	if err := p.plan.Forward(p.buf, p.buf); err != nil {
		return fmt.Errorf("fht: forward FFT failed: %w", err)
	}

	for i, c := range p.buf {
		dst[i] = real(c) - imag(c)
	}

	return nil
}

// Inverse is identical to Forward up to the Scale() factor.
func (p *FFTPlan) Inverse(dst, src []float64) error {
	return p.Forward(dst, src)
}
