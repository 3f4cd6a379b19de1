package device

import (
	"errors"
	"fmt"

	"github.com/cwbudde/algo-convolver/dsp/buffer"
)

// Errors returned by devices, queues and Exec primitives.
var (
	ErrOutOfMemory    = errors.New("device: out of memory")
	ErrNotImplemented = errors.New("device: not implemented")
	ErrForeignBuffer  = errors.New("device: buffer not owned by this device")
	ErrInvalidSpan    = errors.New("device: invalid span")
	ErrClosed         = errors.New("device: closed")
)

// Role selects one of the device's two queues.
type Role int

const (
	// RoleUpdate carries impulse-response uploads.
	RoleUpdate Role = iota

	// RoleProcess carries per-block audio work.
	RoleProcess
)

func (r Role) String() string {
	switch r {
	case RoleUpdate:
		return "update"
	case RoleProcess:
		return "process"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Device is a compute device with its own memory and queues.
type Device interface {
	// Name identifies the device in logs.
	Name() string

	// Allocate returns a zeroed device buffer of n samples.
	Allocate(n int) (*buffer.Buffer, error)

	// Owns reports whether b is device memory allocated by this device.
	Owns(b *buffer.Buffer) bool

	// Queue returns the queue for role. Queues live until Close.
	Queue(role Role) *Queue

	// Allocated returns the number of samples currently allocated.
	Allocated() int

	// Close drains both queues and releases device resources.
	Close() error
}

// Span is a window [Off, Off+Len) into a device buffer.
type Span struct {
	Buf *buffer.Buffer
	Off int
	Len int
}

// SpanOf covers the whole buffer.
func SpanOf(b *buffer.Buffer) Span {
	return Span{Buf: b, Len: b.Len()}
}

// Sub returns the window [off, off+n) relative to s.
func (s Span) Sub(off, n int) Span {
	return Span{Buf: s.Buf, Off: s.Off + off, Len: n}
}

// Exec is the primitive set available inside a queue submission.
//
// All spans must reference memory owned by the executing device. Transform
// and product primitives require equal span lengths; the transform length is
// the span length.
type Exec interface {
	// Upload copies src into the start of dst and zeroes the remainder.
	Upload(dst Span, src []float64) error

	// Download copies src into dst. len(dst) must equal src.Len.
	Download(dst []float64, src Span) error

	Zero(dst Span) error
	Copy(dst, src Span) error

	// Add accumulates src into dst.
	Add(dst, src Span) error

	// Forward and Inverse run the Hartley transform. dst may equal src.
	Forward(dst, src Span) error
	Inverse(dst, src Span) error

	// Reverse writes src[-k mod n] into dst[k].
	Reverse(dst, src Span) error

	// Split writes the even and odd parts of spectrum src.
	Split(even, odd, src Span) error

	// MulAcc adds x·even + xr·odd to acc.
	MulAcc(acc, x, xr, even, odd Span) error

	// ForEach runs fn for i in [0, n), possibly concurrently. It returns the
	// first error.
	ForEach(n int, fn func(i int) error) error

	// Finish blocks until all primitives issued so far have completed.
	Finish() error
}

func checkSpans(n int, spans ...Span) error {
	for _, s := range spans {
		if s.Len != n {
			return fmt.Errorf("%w: length %d, want %d", ErrInvalidSpan, s.Len, n)
		}
	}
	return nil
}
