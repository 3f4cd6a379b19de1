package fht

import (
	"fmt"
	"math"
	"math/bits"
)

// Plan is a precomputed radix-2 Hartley transform.
//
// The plan stores the bit-reversal permutation and a quarter-period cosine and
// sine table. Transforms run in place on dst after the permutation, so a plan
// can be shared between goroutines.
type Plan struct {
	n     int
	rev   []int
	cos   []float64
	sin   []float64
	scale float64
}

// NewPlan precomputes the tables for an n-point transform.
func NewPlan(n int) (*Plan, error) {
	if !isPowerOf2(n) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}

	quarter := max(n/4, 1)
	p := &Plan{
		n:     n,
		rev:   bitReversal(n),
		cos:   make([]float64, quarter),
		sin:   make([]float64, quarter),
		scale: 1 / float64(n),
	}

	for j := range quarter {
		theta := 2 * math.Pi * float64(j) / float64(n)
		p.cos[j] = math.Cos(theta)
		p.sin[j] = math.Sin(theta)
	}

	return p, nil
}

// Len returns the transform length.
func (p *Plan) Len() int { return p.n }

// Scale returns 1/Len().
func (p *Plan) Scale() float64 { return p.scale }

// Forward computes the Hartley transform of src into dst.
func (p *Plan) Forward(dst, src []float64) error {
	if err := checkLen(p.n, dst, src); err != nil {
		return err
	}

	if p.n > 0 && &dst[0] != &src[0] {
		copy(dst, src)
	}

	p.transform(dst)
	return nil
}

// Inverse is identical to Forward; the Hartley transform is an involution up
// to the factor Len().
func (p *Plan) Inverse(dst, src []float64) error {
	return p.Forward(dst, src)
}

func (p *Plan) transform(x []float64) {
	n := p.n

	for i, j := range p.rev {
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	// Each pass merges two half-length spectra E (even samples) and O (odd
	// samples) of length h into one of length 2h:
	//
	//	H[k]    = E[k] + cos·O[k] + sin·O[h-k]
	//	H[k+h]  = E[k] - cos·O[k] - sin·O[h-k]
	//
	// with the angle 2πk/2h. Indices k and h-k are updated together so every
	// value is read before it is overwritten.
	for h := 1; h < n; h <<= 1 {
		step := n / (2 * h)
		q := h / 2

		for s := 0; s < n; s += 2 * h {
			e, o := x[s], x[s+h]
			x[s], x[s+h] = e+o, e-o

			if q > 0 {
				e, o = x[s+q], x[s+h+q]
				x[s+q], x[s+h+q] = e+o, e-o
			}

			for k := 1; k < q; k++ {
				c, sn := p.cos[k*step], p.sin[k*step]

				ek, ehk := x[s+k], x[s+h-k]
				ok, ohk := x[s+h+k], x[s+2*h-k]

				t1 := c*ok + sn*ohk
				t2 := sn*ok - c*ohk

				x[s+k] = ek + t1
				x[s+h+k] = ek - t1
				x[s+h-k] = ehk + t2
				x[s+2*h-k] = ehk - t2
			}
		}
	}
}

// bitReversal returns the index permutation for an n-point radix-2 transform.
func bitReversal(n int) []int {
	rev := make([]int, n)
	order := bits.TrailingZeros(uint(n))
	if order == 0 {
		return rev
	}

	for i := range rev {
		rev[i] = int(bits.Reverse64(uint64(i)) >> (64 - order))
	}

	return rev
}
