package partconv

import (
	"github.com/cwbudde/algo-convolver/dsp/buffer"
	"github.com/cwbudde/algo-convolver/dsp/device"
)

// historyRing keeps the P most recent transformed input blocks per channel.
// Each slot holds the spectrum X followed by its reversed copy Xr.
type historyRing struct {
	l   layout
	buf *buffer.Buffer
}

func newHistoryRing(dev device.Device, l layout) (*historyRing, error) {
	buf, err := dev.Allocate(l.channels * l.partitions * l.slotLen())
	if err != nil {
		return nil, err
	}
	return &historyRing{l: l, buf: buf}, nil
}

func (h *historyRing) slot(ch int, round uint64) (x, xr device.Span) {
	idx := int(round % uint64(h.l.partitions))
	off := h.l.partitionOffset(ch, idx)
	return device.Span{Buf: h.buf, Off: off, Len: h.l.size},
		device.Span{Buf: h.buf, Off: off + h.l.size, Len: h.l.size}
}

// slotAt returns the block k rounds older than round. Rounds before the
// first block map to slots that are still zero.
func (h *historyRing) slotAt(ch int, round uint64, k int) (x, xr device.Span) {
	p := uint64(h.l.partitions)
	return h.slot(ch, round+p-uint64(k)%p)
}

// push writes input as the block of round, zero-padded and transformed.
func (h *historyRing) push(e device.Exec, ch int, round uint64, input []float64) error {
	x, xr := h.slot(ch, round)
	if err := e.Upload(x, input); err != nil {
		return err
	}
	if err := e.Forward(x, x); err != nil {
		return err
	}
	return e.Reverse(xr, x)
}

func (h *historyRing) flush(e device.Exec, ch int) error {
	return e.Zero(device.Span{
		Buf: h.buf,
		Off: h.l.partitionOffset(ch, 0),
		Len: h.l.partitions * h.l.slotLen(),
	})
}

func (h *historyRing) release() { h.buf.Release() }
