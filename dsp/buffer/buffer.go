package buffer

// Kind tells where a Buffer's samples live.
type Kind int

const (
	// KindHost buffers own a float64 slice in process memory.
	KindHost Kind = iota

	// KindDevice buffers reference memory owned by a compute device. Their
	// contents are reachable only through that device's queues.
	KindDevice
)

// String returns "host" or "device".
func (k Kind) String() string {
	if k == KindDevice {
		return "device"
	}
	return "host"
}

// Memory is device-owned storage behind a KindDevice buffer. Length is in
// samples regardless of the device's element type.
type Memory interface {
	Len() int
	Release()
}

// Buffer is either a host float64 slice or a handle to device memory.
// DSP functions accept raw []float64; use Samples() to bridge host buffers.
type Buffer struct {
	kind    Kind
	samples []float64
	mem     Memory
}

// New returns a zero-filled host Buffer of the given length.
func New(length int) *Buffer {
	if length < 0 {
		length = 0
	}
	return &Buffer{samples: make([]float64, length)}
}

// FromSlice wraps an existing slice without copying.
// Mutations to the slice are visible through the Buffer and vice versa.
func FromSlice(s []float64) *Buffer {
	return &Buffer{samples: s}
}

// Device wraps device memory. It returns nil for nil memory.
func Device(mem Memory) *Buffer {
	if mem == nil {
		return nil
	}
	return &Buffer{kind: KindDevice, mem: mem}
}

// Kind reports where the samples live.
func (b *Buffer) Kind() Kind { return b.kind }

// IsHost reports whether Samples() is usable.
func (b *Buffer) IsHost() bool { return b.kind == KindHost }

// Samples returns the host slice, or nil for device buffers.
func (b *Buffer) Samples() []float64 {
	return b.samples
}

// Memory returns the device memory, or nil for host buffers.
func (b *Buffer) Memory() Memory {
	return b.mem
}

// Len returns the number of samples.
func (b *Buffer) Len() int {
	if b.kind == KindDevice {
		return b.mem.Len()
	}
	return len(b.samples)
}

// Resize sets the length of a host buffer to n, reusing capacity when
// possible. Newly exposed samples are zeroed. Device buffers are fixed size
// and ignore Resize.
func (b *Buffer) Resize(n int) {
	if b.kind == KindDevice {
		return
	}
	n = max(n, 0)
	oldLen := len(b.samples)
	if n > cap(b.samples) {
		s := make([]float64, n)
		copy(s, b.samples)
		b.samples = s
		return
	}
	b.samples = b.samples[:n]
	if n > oldLen {
		clear(b.samples[oldLen:])
	}
}

// Zero sets all host samples to 0.
func (b *Buffer) Zero() {
	clear(b.samples)
}

// Copy returns a deep copy of a host buffer. Device buffers cannot be copied
// on the host and yield nil.
func (b *Buffer) Copy() *Buffer {
	if b.kind == KindDevice {
		return nil
	}
	s := make([]float64, len(b.samples))
	copy(s, b.samples)
	return &Buffer{samples: s}
}

// Release frees device memory and detaches the host slice. The buffer is
// empty afterwards. Releasing twice is harmless.
func (b *Buffer) Release() {
	if b.mem != nil {
		b.mem.Release()
		b.mem = nil
	}
	b.samples = nil
	b.kind = KindHost
}
