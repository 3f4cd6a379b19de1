package partconv

import (
	"github.com/cwbudde/algo-convolver/dsp/buffer"
	"github.com/cwbudde/algo-convolver/dsp/device"
)

// accumulator sums partition products. Tail sums live per set in the set's
// accum buffer, one stride of M values per group; head sums are built in a
// per-channel scratch span and inverse transformed there.
type accumulator struct {
	l     layout
	hist  *historyRing
	store *PartitionStore
	head  *buffer.Buffer
	fade  *buffer.Buffer
}

func newAccumulator(dev device.Device, l layout, hist *historyRing, store *PartitionStore, crossfade bool) (*accumulator, error) {
	head, err := dev.Allocate(l.channels * l.size)
	if err != nil {
		return nil, err
	}
	a := &accumulator{l: l, hist: hist, store: store, head: head}
	if crossfade {
		a.fade, err = dev.Allocate(l.channels * l.size)
		if err != nil {
			head.Release()
			return nil, err
		}
	}
	return a, nil
}

func (a *accumulator) stride(set *uploadSet, ch, g int) device.Span {
	return device.Span{Buf: set.accum, Off: a.l.strideOffset(ch, g), Len: a.l.size}
}

func (a *accumulator) headSpan(ch int) device.Span {
	return device.Span{Buf: a.head, Off: ch * a.l.size, Len: a.l.size}
}

func (a *accumulator) fadeSpan(ch int) device.Span {
	return device.Span{Buf: a.fade, Off: ch * a.l.size, Len: a.l.size}
}

// accumulateTail overwrites stride g of e's channel with the group's
// products for round e.Round+timeShift. timeShift 1 prepares the next round
// and reads each slot one round later than its partition index.
func (a *accumulator) accumulateTail(x device.Exec, set *uploadSet, e Entry, g int, timeShift uint64) error {
	dst := a.stride(set, e.Channel, g)
	if err := x.Zero(dst); err != nil {
		return err
	}
	target := e.Round + timeShift
	lo, hi := a.l.groupRange(g, e.Partitions)
	for k := lo; k < hi; k++ {
		xs, xr := a.hist.slotAt(e.Channel, target, k)
		err := x.MulAcc(dst, xs, xr, a.store.even(set, e.Channel, k), a.store.odd(set, e.Channel, k))
		if err != nil {
			return err
		}
	}
	return nil
}

// rebuildTail recomputes every active stride for e's own round.
func (a *accumulator) rebuildTail(x device.Exec, set *uploadSet, e Entry) error {
	for g := range a.l.activeStrides(e.Partitions) {
		if err := a.accumulateTail(x, set, e, g, 0); err != nil {
			return err
		}
	}
	return nil
}

// accumulateHead writes the unscaled time-domain block IFHT(X_r·H_0 + Σ
// strides) into dst.
func (a *accumulator) accumulateHead(x device.Exec, set *uploadSet, e Entry, dst device.Span) error {
	if err := x.Zero(dst); err != nil {
		return err
	}
	if e.Partitions == 0 {
		return nil
	}
	for g := range a.l.activeStrides(e.Partitions) {
		if lo, hi := a.l.groupRange(g, e.Partitions); lo >= hi {
			continue
		}
		if err := x.Add(dst, a.stride(set, e.Channel, g)); err != nil {
			return err
		}
	}
	xs, xr := a.hist.slot(e.Channel, e.Round)
	if err := x.MulAcc(dst, xs, xr, a.store.even(set, e.Channel, 0), a.store.odd(set, e.Channel, 0)); err != nil {
		return err
	}
	return x.Inverse(dst, dst)
}

// flush zeroes the channel's strides in every given set.
func (a *accumulator) flush(x device.Exec, sets []*uploadSet, ch int) error {
	for _, set := range sets {
		span := device.Span{Buf: set.accum, Off: a.l.strideOffset(ch, 0), Len: a.l.strides * a.l.size}
		if err := x.Zero(span); err != nil {
			return err
		}
	}
	return nil
}

func (a *accumulator) release() {
	a.head.Release()
	if a.fade != nil {
		a.fade.Release()
	}
}
