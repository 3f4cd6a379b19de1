package partconv

// NumPartitions returns ceil(length/blockSize), the number of partitions an
// impulse response of length samples occupies.
func NumPartitions(length, blockSize int) int {
	if length <= 0 || blockSize <= 0 {
		return 0
	}
	return (length + blockSize - 1) / blockSize
}

// layout fixes the storage geometry derived from a Config.
type layout struct {
	block      int // B
	size       int // M = 2B
	partitions int // P, also the history ring depth
	channels   int
	sets       int
	group      int // partitions per tail group
	strides    int // ceil(P/group)
}

func newLayout(cfg Config) layout {
	p := NumPartitions(cfg.MaxConvLen, cfg.BlockSize)
	g := min(cfg.AccumBlocksPerStep, p)
	return layout{
		block:      cfg.BlockSize,
		size:       2 * cfg.BlockSize,
		partitions: p,
		channels:   cfg.MaxChannels,
		sets:       cfg.MaxSets,
		group:      g,
		strides:    (p + g - 1) / g,
	}
}

// slotLen is the storage of one partition or history slot: a spectrum and
// its companion (odd part, or reversed spectrum).
func (l layout) slotLen() int { return 2 * l.size }

// setLen is the partition storage of one upload set.
func (l layout) setLen() int { return l.channels * l.partitions * l.slotLen() }

func (l layout) partitionOffset(ch, k int) int {
	return (ch*l.partitions + k) * l.slotLen()
}

func (l layout) accumLen() int { return l.channels * l.strides * l.size }

func (l layout) strideOffset(ch, g int) int {
	return (ch*l.strides + g) * l.size
}

// groupRange returns the tail partitions [lo, hi) of group g for an impulse
// response of n partitions. Partition 0 belongs to the head.
func (l layout) groupRange(g, n int) (lo, hi int) {
	lo = max(g*l.group, 1)
	hi = min((g+1)*l.group, n)
	return lo, hi
}

// activeStrides is the number of groups holding partitions below n.
func (l layout) activeStrides(n int) int {
	if n <= 1 {
		return 0
	}
	return (n + l.group - 1) / l.group
}
