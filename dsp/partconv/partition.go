package partconv

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/algo-convolver/dsp/buffer"
	"github.com/cwbudde/algo-convolver/dsp/device"
)

type uploadSet struct {
	parts *buffer.Buffer
	accum *buffer.Buffer

	// ready completes when the last write into parts is done; readers when
	// the last dispatch reading parts or accum is done.
	ready   *device.Token
	readers *device.Token
}

// PartitionStore holds the transformed impulse responses of every upload
// set in split form.
type PartitionStore struct {
	dev    device.Device
	l      layout
	maps   *ControlMaps
	pool   *buffer.Pool
	sets   []*uploadSet
	logger *slog.Logger
}

func newPartitionStore(dev device.Device, l layout, maps *ControlMaps, logger *slog.Logger) *PartitionStore {
	return &PartitionStore{
		dev:    dev,
		l:      l,
		maps:   maps,
		pool:   buffer.NewPool(),
		sets:   make([]*uploadSet, l.sets),
		logger: logger,
	}
}

// NumPartitions returns the partition count of an impulse response.
func (s *PartitionStore) NumPartitions(length int) int {
	return NumPartitions(length, s.l.block)
}

// Created reports whether set id holds storage.
func (s *PartitionStore) Created(id int) bool {
	return id >= 0 && id < len(s.sets) && s.sets[id] != nil
}

func (s *PartitionStore) checkSet(id int) error {
	if id < 0 || id >= len(s.sets) {
		return fmt.Errorf("%w: upload set %d out of range [0,%d)", ErrInvalidArgument, id, len(s.sets))
	}
	return nil
}

func (s *PartitionStore) checkChannel(ch int) error {
	if ch < 0 || ch >= s.l.channels {
		return fmt.Errorf("%w: channel %d out of range [0,%d)", ErrInvalidArgument, ch, s.l.channels)
	}
	return nil
}

func (s *PartitionStore) checkLength(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative impulse response length %d", ErrInvalidArgument, n)
	}
	if n > s.l.partitions*s.l.block {
		return fmt.Errorf("%w: impulse response length %d exceeds %d", ErrInvalidArgument, n, s.l.partitions*s.l.block)
	}
	return nil
}

// CreateSet allocates partition and accumulator storage for set id.
// Creating an existing set is a no-op.
func (s *PartitionStore) CreateSet(id int) error {
	if err := s.checkSet(id); err != nil {
		return err
	}
	if s.sets[id] != nil {
		return nil
	}

	parts, err := s.dev.Allocate(s.l.setLen())
	if err != nil {
		return fmt.Errorf("upload set %d partitions: %w", id, err)
	}
	accum, err := s.dev.Allocate(s.l.accumLen())
	if err != nil {
		parts.Release()
		return fmt.Errorf("upload set %d accumulator: %w", id, err)
	}

	s.sets[id] = &uploadSet{parts: parts, accum: accum}
	s.logger.Debug("upload set created", "set", id, "samples", s.l.setLen()+s.l.accumLen())
	return nil
}

func (s *PartitionStore) ensureSet(id int) (*uploadSet, error) {
	if err := s.CreateSet(id); err != nil {
		return nil, err
	}
	return s.sets[id], nil
}

// partitionSpan is partition k of channel ch: the even half followed by the
// odd half.
func (s *PartitionStore) partitionSpan(set *uploadSet, ch, k int) device.Span {
	return device.Span{Buf: set.parts, Off: s.l.partitionOffset(ch, k), Len: s.l.slotLen()}
}

func (s *PartitionStore) even(set *uploadSet, ch, k int) device.Span {
	return s.partitionSpan(set, ch, k).Sub(0, s.l.size)
}

func (s *PartitionStore) odd(set *uploadSet, ch, k int) device.Span {
	return s.partitionSpan(set, ch, k).Sub(s.l.size, s.l.size)
}

// finishPartitions transforms partitions [0, n) whose zero-padded samples
// sit in the even halves and clears the unused ones.
func (s *PartitionStore) finishPartitions(x device.Exec, set *uploadSet, ch, n int) error {
	for k := range n {
		even, odd := s.even(set, ch, k), s.odd(set, ch, k)
		if err := x.Forward(even, even); err != nil {
			return err
		}
		if err := x.Split(even, odd, even); err != nil {
			return err
		}
	}
	if n < s.l.partitions {
		rest := device.Span{
			Buf: set.parts,
			Off: s.l.partitionOffset(ch, n),
			Len: (s.l.partitions - n) * s.l.slotLen(),
		}
		return x.Zero(rest)
	}
	return nil
}

// Upload stages ir on the host and transforms it on the update queue into
// (id, ch). The caller may reuse ir as soon as Upload returns.
func (s *PartitionStore) Upload(id, ch int, ir []float64) (*device.Token, error) {
	return s.UploadMany(id, []int{ch}, [][]float64{ir})
}

// UploadMany uploads one impulse response per channel in a single
// submission.
func (s *PartitionStore) UploadMany(id int, channels []int, irs [][]float64) (*device.Token, error) {
	if err := s.checkSet(id); err != nil {
		return nil, err
	}
	if len(channels) != len(irs) {
		return nil, fmt.Errorf("%w: %d channels, %d impulse responses", ErrInvalidArgument, len(channels), len(irs))
	}
	seen := make(map[int]bool, len(channels))
	for i, ch := range channels {
		if err := s.checkChannel(ch); err != nil {
			return nil, err
		}
		if seen[ch] {
			return nil, fmt.Errorf("%w: channel %d listed twice", ErrInvalidArgument, ch)
		}
		seen[ch] = true
		if err := s.checkLength(len(irs[i])); err != nil {
			return nil, err
		}
	}

	set, err := s.ensureSet(id)
	if err != nil {
		return nil, err
	}

	staged := make([]*buffer.Buffer, len(irs))
	for i, ir := range irs {
		staged[i] = s.pool.Get(len(ir))
		copy(staged[i].Samples(), ir)
	}
	chans := append([]int(nil), channels...)

	tok := s.dev.Queue(device.RoleUpdate).Submit("upload", func(x device.Exec) error {
		defer func() {
			for _, b := range staged {
				s.pool.Put(b)
			}
		}()
		return x.ForEach(len(chans), func(i int) error {
			return s.uploadHost(x, set, chans[i], staged[i].Samples())
		})
	}, set.readers)

	set.ready = tok
	for i, ch := range channels {
		s.maps.SetLength(id, ch, len(irs[i]))
	}
	return tok, nil
}

func (s *PartitionStore) uploadHost(x device.Exec, set *uploadSet, ch int, ir []float64) error {
	n := s.NumPartitions(len(ir))
	for k := range n {
		block := ir[k*s.l.block : min((k+1)*s.l.block, len(ir))]
		if err := x.Upload(s.even(set, ch, k), block); err != nil {
			return err
		}
	}
	return s.finishPartitions(x, set, ch, n)
}

// UploadBuffer uploads the first n samples of b into (id, ch). Host buffers
// are staged like Upload; device buffers must belong to the engine's device
// and are read without a host round trip.
func (s *PartitionStore) UploadBuffer(id, ch int, b *buffer.Buffer, n int) (*device.Token, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	if n < 0 || n > b.Len() {
		return nil, fmt.Errorf("%w: length %d of a %d-sample buffer", ErrInvalidArgument, n, b.Len())
	}
	if b.IsHost() {
		return s.Upload(id, ch, b.Samples()[:n])
	}
	if !s.dev.Owns(b) {
		return nil, fmt.Errorf("%w: buffer belongs to another device", ErrInvalidArgument)
	}
	if err := s.checkSet(id); err != nil {
		return nil, err
	}
	if err := s.checkChannel(ch); err != nil {
		return nil, err
	}
	if err := s.checkLength(n); err != nil {
		return nil, err
	}

	set, err := s.ensureSet(id)
	if err != nil {
		return nil, err
	}

	src := device.SpanOf(b)
	parts := s.NumPartitions(n)
	tok := s.dev.Queue(device.RoleUpdate).Submit("upload buffer", func(x device.Exec) error {
		for k := range parts {
			cnt := min(s.l.block, n-k*s.l.block)
			even := s.even(set, ch, k)
			if err := x.Copy(even.Sub(0, cnt), src.Sub(k*s.l.block, cnt)); err != nil {
				return err
			}
			if err := x.Zero(even.Sub(cnt, s.l.size-cnt)); err != nil {
				return err
			}
		}
		return s.finishPartitions(x, set, ch, parts)
	}, set.readers)

	set.ready = tok
	s.maps.SetLength(id, ch, n)
	return tok, nil
}

// CopyResponse duplicates the transformed partitions of channel ch from set
// from into set to.
func (s *PartitionStore) CopyResponse(from, to, ch int) (*device.Token, error) {
	if err := s.checkSet(from); err != nil {
		return nil, err
	}
	if err := s.checkChannel(ch); err != nil {
		return nil, err
	}
	if !s.Created(from) {
		return nil, fmt.Errorf("%w: upload set %d not created", ErrInvalidArgument, from)
	}
	if from == to {
		return s.sets[from].ready, nil
	}
	dst, err := s.ensureSet(to)
	if err != nil {
		return nil, err
	}
	src := s.sets[from]

	span := func(set *uploadSet) device.Span {
		return device.Span{Buf: set.parts, Off: s.l.partitionOffset(ch, 0), Len: s.l.partitions * s.l.slotLen()}
	}
	tok := s.dev.Queue(device.RoleUpdate).Submit("copy response", func(x device.Exec) error {
		return x.Copy(span(dst), span(src))
	}, src.ready, dst.readers)

	dst.ready = tok
	s.maps.SetLength(to, ch, s.maps.Length(from, ch))
	return tok, nil
}

// Release waits for work touching set id and frees its storage.
func (s *PartitionStore) Release(id int) error {
	if err := s.checkSet(id); err != nil {
		return err
	}
	set := s.sets[id]
	if set == nil {
		return nil
	}
	s.sets[id] = nil
	s.maps.clearSet(id)

	errReady := set.ready.Wait()
	errRead := set.readers.Wait()
	set.parts.Release()
	set.accum.Release()
	if errReady != nil {
		return errReady
	}
	return errRead
}
