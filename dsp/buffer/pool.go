package buffer

import (
	"math/bits"
	"sync"
)

// maxPoolClass bounds the size classes; larger requests bypass the pool.
const maxPoolClass = 32

// Pool recycles host staging buffers. Buffers are kept in power-of-two size
// classes so a recycled buffer always has room for the request and never
// reallocates. Device buffers are never pooled.
type Pool struct {
	classes [maxPoolClass + 1]sync.Pool
}

// NewPool returns an empty Pool.
func NewPool() *Pool { return &Pool{} }

// getClass is the smallest class whose buffers hold n samples.
func getClass(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// putClass is the largest class a buffer of capacity c can serve.
func putClass(c int) int { return bits.Len(uint(c)) - 1 }

// Get returns a zeroed host buffer of length n. Return it with Put once no
// submission reads it anymore.
func (p *Pool) Get(n int) *Buffer {
	n = max(n, 0)
	c := getClass(n)
	if c > maxPoolClass {
		return New(n)
	}
	if b, ok := p.classes[c].Get().(*Buffer); ok {
		b.samples = b.samples[:n]
		clear(b.samples)
		return b
	}
	return &Buffer{samples: make([]float64, n, 1<<c)}
}

// Put hands b back to the pool. Nil, device and empty buffers are dropped.
// b must not be used afterwards.
func (p *Pool) Put(b *Buffer) {
	if b == nil || b.kind != KindHost || cap(b.samples) == 0 {
		return
	}
	c := min(putClass(cap(b.samples)), maxPoolClass)
	p.classes[c].Put(b)
}
