package partconv

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-convolver/dsp/buffer"
	"github.com/cwbudde/algo-convolver/dsp/device"
)

// Stage names a Process stage that may be skipped.
type Stage int

const (
	StageNone Stage = iota

	// SkipHead runs only the tail stage: no input push and no output. The
	// round's input must already be in place from an earlier call.
	SkipHead

	// SkipTail pushes input and produces output but submits no tail. A
	// SkipHead call of the same round supplies it; otherwise the next head
	// rebuilds it.
	SkipTail
)

// State is a channel's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFlushed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFlushed:
		return "flushed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Batch describes one Process call.
//
// Channels[i] is convolved with upload set UploadIDs[i]. A nil Inputs or
// Outputs slice, or a nil entry in either, selects the engine's staging
// block for that channel (see InputBuffers and OutputBuffers).
type Batch struct {
	Channels  []int
	UploadIDs []int
	Inputs    [][]float64
	Outputs   [][]float64

	// ReuseInput skips the history push; the round's input is already in
	// place from an earlier call that did not advance time.
	ReuseInput bool

	// AdvanceTime commits the carried overlap and moves the channels to the
	// next round.
	AdvanceTime bool

	Skip Stage
}

// Stats counts engine activity.
type Stats struct {
	Rounds        uint64
	Dispatches    uint64
	Uploads       uint64
	TailRebuilds  uint64
	Crossfades    uint64
	DeviceSamples int
}

type channelState struct {
	state State

	// lastSet is the set of the last committed head, or -1.
	lastSet int

	// headRound is the round of the latest head, or -1; headSet and
	// headFade describe that head.
	headRound int64
	headSet   int
	headFade  bool

	carry   []float64
	pending []float64
	in      []float64
	out     []float64
	y       []float64
	yOld    []float64
}

// Engine is a multi-channel partitioned convolution engine.
//
// Process and the upload methods are not safe for concurrent use; callers
// serialise them per engine.
type Engine struct {
	cfg    Config
	l      layout
	dev    device.Device
	maps   *ControlMaps
	store  *PartitionStore
	hist   *historyRing
	acc    *accumulator
	chans  []channelState
	scale  float64
	logger *slog.Logger

	// tailRound[set][ch] is the round whose tail sums the set's strides
	// hold for ch, or -1.
	tailRound [][]int64
	lastTail  *device.Token

	scr      processScratch
	tails    [2]tailBatch
	nextTail int
	pushJob  func(device.Exec) error
	headJob  func(device.Exec) error

	stats  Stats
	failed error
	closed bool
}

// processScratch holds the per-call state of Process. Every dispatch reading
// it completes before Process returns.
type processScratch struct {
	seen    []bool
	used    []bool
	ids     []int
	deps    []*device.Token
	entries []Entry
	inputs  [][]float64
	plans   []headPlan

	channel [1]int
	set     [1]int
	in      [1][]float64
	out     [1][]float64
}

// tailBatch is what one deferred tail reads. Batches alternate: the tail
// of call n may still run while call n+1 fills the other batch, and call
// n+1 waits for it before returning.
type tailBatch struct {
	entries []Entry
	targets []*uploadSet
	deps    []*device.Token
	chain   []*device.Token
	jobs    []func(device.Exec) error
}

// New creates an engine on dev.
func New(dev device.Device, opts ...Option) (*Engine, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}
	cfg := ApplyOptions(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := newLayout(cfg)

	e := &Engine{
		cfg:       cfg,
		l:         l,
		dev:       dev,
		maps:      newControlMaps(l),
		chans:     make([]channelState, l.channels),
		scale:     1 / float64(l.size),
		logger:    cfg.Logger,
		tailRound: make([][]int64, l.sets),
	}
	e.store = newPartitionStore(dev, l, e.maps, cfg.Logger)

	var err error
	if e.hist, err = newHistoryRing(dev, l); err != nil {
		return nil, fmt.Errorf("history ring: %w", err)
	}
	if e.acc, err = newAccumulator(dev, l, e.hist, e.store, cfg.Crossfade); err != nil {
		e.hist.release()
		return nil, fmt.Errorf("accumulator: %w", err)
	}

	for s := range e.tailRound {
		e.tailRound[s] = make([]int64, l.channels)
		for ch := range e.tailRound[s] {
			e.tailRound[s][ch] = -1
		}
	}
	for ch := range e.chans {
		e.chans[ch] = channelState{
			lastSet:   -1,
			headRound: -1,
			carry:     make([]float64, l.block),
			pending:   make([]float64, l.block),
			in:        make([]float64, l.block),
			out:       make([]float64, l.block),
			y:         make([]float64, l.size),
		}
		if cfg.Crossfade {
			e.chans[ch].yOld = make([]float64, l.size)
		}
	}

	e.initScratch()

	e.logger.Info("convolution engine ready",
		"device", dev.Name(),
		"block", l.block,
		"partitions", l.partitions,
		"channels", l.channels,
		"sets", l.sets,
		"group", l.group,
		"pipeline", cfg.Pipeline)

	return e, nil
}

func (e *Engine) initScratch() {
	l := e.l
	e.scr = processScratch{
		seen:    make([]bool, l.channels),
		used:    make([]bool, l.sets),
		ids:     make([]int, 0, l.sets),
		deps:    make([]*device.Token, 0, 2*l.sets+2),
		entries: make([]Entry, 0, l.channels),
		inputs:  make([][]float64, 0, l.channels),
		plans:   make([]headPlan, 0, l.channels),
	}
	e.pushJob = func(x device.Exec) error {
		entries, inputs := e.scr.entries, e.scr.inputs
		return x.ForEach(len(entries), func(i int) error {
			return e.hist.push(x, entries[i].Channel, entries[i].Round, inputs[i])
		})
	}
	e.headJob = func(x device.Exec) error {
		plans := e.scr.plans
		return x.ForEach(len(plans), func(i int) error {
			return e.runHead(x, plans[i])
		})
	}

	for s := range e.tails {
		t := &e.tails[s]
		t.entries = make([]Entry, 0, l.channels)
		t.targets = make([]*uploadSet, 0, l.channels)
		t.deps = make([]*device.Token, 0, 2*l.sets+3)
		t.chain = make([]*device.Token, l.strides)
		t.jobs = make([]func(device.Exec) error, l.strides)
		for g := range t.jobs {
			t.jobs[g] = func(x device.Exec) error {
				return x.ForEach(len(t.entries), func(i int) error {
					if g >= e.l.activeStrides(t.entries[i].Partitions) {
						return nil
					}
					return e.acc.accumulateTail(x, t.targets[i], t.entries[i], g, 1)
				})
			}
		}
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// BlockSize returns the samples per round.
func (e *Engine) BlockSize() int { return e.l.block }

// NumPartitions returns the partitions needed for an impulse response of
// length samples.
func (e *Engine) NumPartitions(length int) int { return NumPartitions(length, e.l.block) }

// MaxPartitions returns the partition count of MaxConvLen, the history ring
// depth.
func (e *Engine) MaxPartitions() int { return e.l.partitions }

func (e *Engine) usable() error {
	if e.closed {
		return ErrClosed
	}
	return e.failed
}

func (e *Engine) fail(op string, err error) error {
	if e.failed == nil {
		e.failed = fmt.Errorf("%w: %s: %w", ErrDevice, op, err)
		e.logger.Error("device failure, engine disabled", "op", op, "error", err)
	}
	return e.failed
}

// settle waits for tok in synchronous mode.
func (e *Engine) settle(op string, tok *device.Token) error {
	if !e.cfg.Synchronous {
		return nil
	}
	if err := tok.Wait(); err != nil {
		return e.fail(op, err)
	}
	return nil
}

func (e *Engine) invalidate(set, ch int) {
	e.tailRound[set][ch] = -1
}

// CreateSet allocates storage for upload set id. Uploads create sets on
// demand; CreateSet moves the allocation out of the audio path.
func (e *Engine) CreateSet(id int) error {
	if err := e.usable(); err != nil {
		return err
	}
	return e.store.CreateSet(id)
}

// UploadConv transforms ir into set id for channel ch. A zero-length ir is
// silence.
func (e *Engine) UploadConv(id, ch int, ir []float64) error {
	if err := e.usable(); err != nil {
		return err
	}
	tok, err := e.store.Upload(id, ch, ir)
	if err != nil {
		return err
	}
	e.invalidate(id, ch)
	e.stats.Uploads++
	return e.settle("upload", tok)
}

// UpdateConv refreshes the impulse responses of several channels of set id
// in one update submission.
func (e *Engine) UpdateConv(id int, channels []int, irs [][]float64) error {
	if err := e.usable(); err != nil {
		return err
	}
	tok, err := e.store.UploadMany(id, channels, irs)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		e.invalidate(id, ch)
	}
	e.stats.Uploads += uint64(len(channels))
	return e.settle("update", tok)
}

// UploadConvBuffer uploads the first n samples of b into set id for channel
// ch. Device buffers must come from the engine's device.
func (e *Engine) UploadConvBuffer(id, ch int, b *buffer.Buffer, n int) error {
	if err := e.usable(); err != nil {
		return err
	}
	tok, err := e.store.UploadBuffer(id, ch, b, n)
	if err != nil {
		return err
	}
	e.invalidate(id, ch)
	e.stats.Uploads++
	return e.settle("upload buffer", tok)
}

// CopyResponse duplicates channel ch's transformed impulse response from set
// from into set to without transforming it again.
func (e *Engine) CopyResponse(from, to, ch int) error {
	if err := e.usable(); err != nil {
		return err
	}
	tok, err := e.store.CopyResponse(from, to, ch)
	if err != nil {
		return err
	}
	e.invalidate(to, ch)
	return e.settle("copy response", tok)
}

// ReleaseSet frees set id once in-flight work on it completes. Channels
// mapped to it lose their mapping.
func (e *Engine) ReleaseSet(id int) error {
	if err := e.usable(); err != nil {
		return err
	}
	if err := e.store.checkSet(id); err != nil {
		return err
	}
	for ch := range e.chans {
		e.invalidate(id, ch)
		c := &e.chans[ch]
		if c.lastSet == id {
			c.lastSet = -1
		}
		if c.headSet == id {
			c.headRound = -1
		}
	}
	if err := e.store.Release(id); err != nil {
		return e.fail("release set", err)
	}
	return nil
}

// FinishUpdate blocks until every queued upload has completed. Not meant
// for the audio thread.
func (e *Engine) FinishUpdate() error {
	if err := e.usable(); err != nil {
		return err
	}
	if err := e.dev.Queue(device.RoleUpdate).Finish(); err != nil {
		return e.fail("finish update", err)
	}
	return nil
}

// InputBuffers returns the engine's input staging blocks for channels.
// They are valid until the next Process call that advances time.
func (e *Engine) InputBuffers(channels []int) ([][]float64, error) {
	return e.staging(channels, func(c *channelState) []float64 { return c.in })
}

// OutputBuffers returns the engine's output staging blocks for channels.
func (e *Engine) OutputBuffers(channels []int) ([][]float64, error) {
	return e.staging(channels, func(c *channelState) []float64 { return c.out })
}

func (e *Engine) staging(channels []int, pick func(*channelState) []float64) ([][]float64, error) {
	out := make([][]float64, len(channels))
	for i, ch := range channels {
		if err := e.store.checkChannel(ch); err != nil {
			return nil, err
		}
		out[i] = pick(&e.chans[ch])
	}
	return out, nil
}

// ProcessBlock convolves one block of one channel and advances time.
func (e *Engine) ProcessBlock(ch, id int, in, out []float64) error {
	sc := &e.scr
	sc.channel[0], sc.set[0], sc.in[0], sc.out[0] = ch, id, in, out
	err := e.Process(Batch{
		Channels:    sc.channel[:],
		UploadIDs:   sc.set[:],
		Inputs:      sc.in[:],
		Outputs:     sc.out[:],
		AdvanceTime: true,
	})
	sc.in[0], sc.out[0] = nil, nil
	return err
}

func (e *Engine) validate(b *Batch) error {
	if len(b.UploadIDs) != len(b.Channels) {
		return fmt.Errorf("%w: %d channels, %d upload ids", ErrInvalidArgument, len(b.Channels), len(b.UploadIDs))
	}
	if b.Inputs != nil && len(b.Inputs) != len(b.Channels) {
		return fmt.Errorf("%w: %d channels, %d inputs", ErrInvalidArgument, len(b.Channels), len(b.Inputs))
	}
	if b.Outputs != nil && len(b.Outputs) != len(b.Channels) {
		return fmt.Errorf("%w: %d channels, %d outputs", ErrInvalidArgument, len(b.Channels), len(b.Outputs))
	}
	switch b.Skip {
	case StageNone, SkipHead:
	case SkipTail:
		if e.cfg.Pipeline == PipelineSingle {
			return fmt.Errorf("%w: SkipTail with the single-stage pipeline", ErrNotImplemented)
		}
	default:
		return fmt.Errorf("%w: unknown stage %d", ErrInvalidArgument, int(b.Skip))
	}

	seen := e.scr.seen
	clear(seen)
	for i, ch := range b.Channels {
		if err := e.store.checkChannel(ch); err != nil {
			return err
		}
		if seen[ch] {
			return fmt.Errorf("%w: channel %d listed twice", ErrInvalidArgument, ch)
		}
		seen[ch] = true

		id := b.UploadIDs[i]
		if err := e.store.checkSet(id); err != nil {
			return err
		}
		if !e.store.Created(id) {
			return fmt.Errorf("%w: upload set %d not created", ErrInvalidArgument, id)
		}
		if b.Inputs != nil && b.Inputs[i] != nil && len(b.Inputs[i]) != e.l.block {
			return fmt.Errorf("%w: input %d has %d samples, want %d", ErrInvalidArgument, i, len(b.Inputs[i]), e.l.block)
		}
		if b.Outputs != nil && b.Outputs[i] != nil && len(b.Outputs[i]) != e.l.block {
			return fmt.Errorf("%w: output %d has %d samples, want %d", ErrInvalidArgument, i, len(b.Outputs[i]), e.l.block)
		}
	}
	return nil
}

// headPlan is the per-entry work of one head dispatch, resolved on the
// calling goroutine so the queue worker never reads engine state.
type headPlan struct {
	entry   Entry
	set     *uploadSet
	rebuild bool

	fade       bool
	oldEntry   Entry
	oldSet     *uploadSet
	oldRebuild bool
}

// Process runs one round for the channels in b.
//
// The history push and head stage are submitted to the process queue and
// awaited; the deferred tail is only submitted. Outputs and carried state
// change only when the call succeeds.
func (e *Engine) Process(b Batch) error {
	if err := e.usable(); err != nil {
		return err
	}
	if err := e.validate(&b); err != nil {
		return err
	}
	if len(b.Channels) == 0 {
		return nil
	}

	queue := e.dev.Queue(device.RoleProcess)
	sc := &e.scr
	head := b.Skip != SkipHead

	sc.entries = e.maps.Snapshot(sc.entries[:0], b.Channels, b.UploadIDs)

	sc.deps = sc.deps[:0]
	sc.ids = sc.ids[:0]
	for _, id := range b.UploadIDs {
		e.use(id)
	}
	sc.deps = append(sc.deps, e.lastTail)

	wait := e.lastTail
	if head && !b.ReuseInput {
		for i, ch := range b.Channels {
			e.maps.SetActive(ch, b.UploadIDs[i])
		}
		e.stageInputs(&b)
		wait = queue.Submit("push", e.pushJob, e.lastTail)
		e.stats.Dispatches++
	}

	sc.plans = sc.plans[:0]
	if head {
		sc.plans = e.planHead(sc.plans, sc.entries)
		for _, p := range sc.plans {
			if p.fade {
				e.use(p.oldEntry.Set)
			}
		}
		sc.deps = append(sc.deps, wait)
		wait = queue.Submit("head", e.headJob, sc.deps...)
		e.stats.Dispatches++
	}
	for _, id := range sc.ids {
		sc.used[id] = false
		if head {
			e.store.sets[id].readers = wait
		}
	}

	if e.cfg.Pipeline == PipelineHeadTail && b.Skip != SkipTail {
		e.submitTail(queue, sc.entries, wait)
	}

	if err := wait.Wait(); err != nil {
		return e.fail("process", err)
	}
	if e.cfg.Synchronous {
		if err := e.lastTail.Wait(); err != nil {
			return e.fail("tail", err)
		}
	}

	for i, p := range sc.plans {
		c := &e.chans[p.entry.Channel]
		out := c.out
		if b.Outputs != nil && b.Outputs[i] != nil {
			out = b.Outputs[i]
		}
		e.emit(p, out)
		c.headRound = int64(p.entry.Round)
		c.headSet = p.entry.Set
		c.headFade = p.fade
	}

	for _, ch := range b.Channels {
		if b.AdvanceTime {
			e.commit(ch)
		}
		e.chans[ch].state = StateStreaming
	}
	if b.AdvanceTime {
		e.stats.Rounds++
	}
	return nil
}

// use adds set id to the sets read by the current call.
func (e *Engine) use(id int) {
	sc := &e.scr
	if sc.used[id] {
		return
	}
	sc.used[id] = true
	sc.ids = append(sc.ids, id)
	sc.deps = append(sc.deps, e.store.sets[id].ready)
}

// stageInputs resolves the input block of every entry and drops tail sums
// built from the input being replaced.
func (e *Engine) stageInputs(b *Batch) {
	sc := &e.scr
	sc.inputs = sc.inputs[:0]
	for i, en := range sc.entries {
		in := e.chans[en.Channel].in
		if b.Inputs != nil && b.Inputs[i] != nil {
			in = b.Inputs[i]
		}
		sc.inputs = append(sc.inputs, in)
		for s := range e.tailRound {
			if e.tailRound[s][en.Channel] > int64(en.Round) {
				e.tailRound[s][en.Channel] = -1
			}
		}
	}
}

// commit ends the current round of ch. The overlap carried into the next
// round is the pending half of this round's latest head, or silence when no
// head ran in this round.
func (e *Engine) commit(ch int) {
	c := &e.chans[ch]
	if c.headRound == int64(e.maps.Round(ch)) {
		c.carry, c.pending = c.pending, c.carry
		c.lastSet = c.headSet
		if c.headFade {
			e.stats.Crossfades++
		}
	} else {
		clear(c.carry)
		c.lastSet = -1
	}
	c.headRound = -1
	e.maps.Advance(ch)
}

// planHead appends the head plan of every entry to dst. A channel fades
// when its set differs from the set of its last committed round.
func (e *Engine) planHead(dst []headPlan, entries []Entry) []headPlan {
	for _, en := range entries {
		round := int64(en.Round)
		p := headPlan{
			entry:   en,
			set:     e.store.sets[en.Set],
			rebuild: e.cfg.Pipeline == PipelineSingle || e.tailRound[en.Set][en.Channel] != round,
		}

		c := &e.chans[en.Channel]
		old := c.lastSet
		if e.cfg.Crossfade && c.state == StateStreaming && old >= 0 && old != en.Set && e.store.Created(old) {
			n := e.maps.Length(old, en.Channel)
			p.fade = true
			p.oldSet = e.store.sets[old]
			p.oldEntry = Entry{
				Channel:    en.Channel,
				Set:        old,
				Length:     n,
				Partitions: e.NumPartitions(n),
				Round:      en.Round,
			}
			p.oldRebuild = e.cfg.Pipeline == PipelineSingle || e.tailRound[old][en.Channel] != round
			if p.oldRebuild {
				e.tailRound[old][en.Channel] = round
				e.stats.TailRebuilds++
			}
		}

		if p.rebuild {
			e.tailRound[en.Set][en.Channel] = round
			e.stats.TailRebuilds++
		}
		dst = append(dst, p)
	}
	return dst
}

func (e *Engine) runHead(x device.Exec, p headPlan) error {
	ch := p.entry.Channel
	if p.rebuild {
		if err := e.acc.rebuildTail(x, p.set, p.entry); err != nil {
			return err
		}
	}
	head := e.acc.headSpan(ch)
	if err := e.acc.accumulateHead(x, p.set, p.entry, head); err != nil {
		return err
	}
	if err := x.Download(e.chans[ch].y, head); err != nil {
		return err
	}
	if !p.fade {
		return nil
	}

	if p.oldRebuild {
		if err := e.acc.rebuildTail(x, p.oldSet, p.oldEntry); err != nil {
			return err
		}
	}
	fade := e.acc.fadeSpan(ch)
	if err := e.acc.accumulateHead(x, p.oldSet, p.oldEntry, fade); err != nil {
		return err
	}
	return x.Download(e.chans[ch].yOld, fade)
}

// submitTail queues the groups that prepare round r+1. The first group
// waits for the call's dependencies and after, each later one for its
// predecessor.
func (e *Engine) submitTail(queue *device.Queue, entries []Entry, after *device.Token) {
	t := &e.tails[e.nextTail]
	t.entries = append(t.entries[:0], entries...)
	t.targets = t.targets[:0]

	groups := 0
	for _, en := range entries {
		groups = max(groups, e.l.activeStrides(en.Partitions))
		t.targets = append(t.targets, e.store.sets[en.Set])
		e.tailRound[en.Set][en.Channel] = int64(en.Round) + 1
	}
	if groups == 0 {
		return
	}
	e.nextTail ^= 1

	t.deps = append(append(t.deps[:0], e.scr.deps...), after)
	t.chain[0] = queue.Submit("tail", t.jobs[0], t.deps...)
	for g := 1; g < groups; g++ {
		t.chain[g] = queue.Submit("tail", t.jobs[g], t.chain[g-1:g]...)
	}
	e.stats.Dispatches += uint64(groups)

	last := t.chain[groups-1]
	e.lastTail = last
	for _, set := range t.targets {
		set.readers = last
	}
}

// emit turns the downloaded head into the output block and pending carry.
func (e *Engine) emit(p headPlan, out []float64) {
	c := &e.chans[p.entry.Channel]
	b := e.l.block

	if p.fade {
		inv := 1 / float64(b)
		for i := range b {
			w := float64(i+1) * inv
			c.y[i] = (1-w)*c.yOld[i] + w*c.y[i]
		}
	}
	vecmath.ScaleBlock(out, c.y[:b], e.scale)
	vecmath.AddBlockInPlace(out, c.carry)
	vecmath.ScaleBlock(c.pending, c.y[b:], e.scale)
}

// Flush discards the channel's history, tail sums and carried overlap. The
// round counter is kept.
func (e *Engine) Flush(ch int) error {
	if err := e.usable(); err != nil {
		return err
	}
	if err := e.store.checkChannel(ch); err != nil {
		return err
	}

	var sets []*uploadSet
	for id, set := range e.store.sets {
		if set != nil {
			sets = append(sets, set)
		}
		e.invalidate(id, ch)
	}

	tok := e.dev.Queue(device.RoleProcess).Submit("flush", func(x device.Exec) error {
		if err := e.hist.flush(x, ch); err != nil {
			return err
		}
		return e.acc.flush(x, sets, ch)
	}, e.lastTail)
	e.lastTail = tok
	for _, set := range sets {
		set.readers = tok
	}
	e.stats.Dispatches++

	if err := tok.Wait(); err != nil {
		return e.fail("flush", err)
	}

	c := &e.chans[ch]
	clear(c.carry)
	clear(c.pending)
	c.lastSet = -1
	c.headRound = -1
	c.state = StateFlushed
	return nil
}

// Round returns the round counter of ch, or 0 for an unknown channel.
func (e *Engine) Round(ch int) uint64 {
	if ch < 0 || ch >= len(e.chans) {
		return 0
	}
	return e.maps.Round(ch)
}

// State returns the lifecycle state of ch.
func (e *Engine) State(ch int) State {
	if ch < 0 || ch >= len(e.chans) {
		return StateIdle
	}
	return e.chans[ch].state
}

// ActiveSet returns the set mapped to ch by its last input push, or -1.
func (e *Engine) ActiveSet(ch int) int {
	if ch < 0 || ch >= len(e.chans) {
		return -1
	}
	return e.maps.Active(ch)
}

// Stats returns activity counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.DeviceSamples = e.dev.Allocated()
	return s
}

// Close drains both queues and frees the engine's device memory. The device
// itself stays open.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	errUpdate := e.dev.Queue(device.RoleUpdate).Finish()
	errProcess := e.dev.Queue(device.RoleProcess).Finish()

	for id, set := range e.store.sets {
		if set != nil {
			set.parts.Release()
			set.accum.Release()
			e.store.sets[id] = nil
		}
	}
	e.hist.release()
	e.acc.release()

	e.logger.Debug("convolution engine closed", "rounds", e.stats.Rounds)
	if errUpdate != nil {
		return fmt.Errorf("%w: %w", ErrDevice, errUpdate)
	}
	if errProcess != nil {
		return fmt.Errorf("%w: %w", ErrDevice, errProcess)
	}
	return nil
}
