package partconv

// Entry is one channel's view of a dispatch: which set it reads, how long
// the impulse response is, and which round it is in.
type Entry struct {
	Channel    int
	Set        int
	Length     int
	Partitions int
	Round      uint64
}

// ControlMaps hold channel→set, (set, channel)→length and channel→round.
// The engine rewrites them before each dispatch; dispatches read immutable
// snapshots so a rewrite never races with work in flight.
type ControlMaps struct {
	block   int
	active  []int
	lengths [][]int
	rounds  []uint64
}

func newControlMaps(l layout) *ControlMaps {
	m := &ControlMaps{
		block:   l.block,
		active:  make([]int, l.channels),
		lengths: make([][]int, l.sets),
		rounds:  make([]uint64, l.channels),
	}
	for i := range m.active {
		m.active[i] = -1
	}
	for s := range m.lengths {
		m.lengths[s] = make([]int, l.channels)
	}
	return m
}

// Active returns the set channel ch used last, or -1.
func (m *ControlMaps) Active(ch int) int { return m.active[ch] }

// SetActive maps ch to set.
func (m *ControlMaps) SetActive(ch, set int) { m.active[ch] = set }

// Length returns the impulse response length of (set, ch).
func (m *ControlMaps) Length(set, ch int) int { return m.lengths[set][ch] }

// SetLength records the impulse response length of (set, ch).
func (m *ControlMaps) SetLength(set, ch, n int) { m.lengths[set][ch] = n }

// Round returns the round counter of ch.
func (m *ControlMaps) Round(ch int) uint64 { return m.rounds[ch] }

// Advance increments the round counter of ch.
func (m *ControlMaps) Advance(ch int) { m.rounds[ch]++ }

// clearSet drops all lengths of set.
func (m *ControlMaps) clearSet(set int) {
	clear(m.lengths[set])
	for ch, s := range m.active {
		if s == set {
			m.active[ch] = -1
		}
	}
}

// Snapshot appends to dst the entries for channels reading sets[i].
func (m *ControlMaps) Snapshot(dst []Entry, channels, sets []int) []Entry {
	for i, ch := range channels {
		n := m.lengths[sets[i]][ch]
		dst = append(dst, Entry{
			Channel:    ch,
			Set:        sets[i],
			Length:     n,
			Partitions: NumPartitions(n, m.block),
			Round:      m.rounds[ch],
		})
	}
	return dst
}
