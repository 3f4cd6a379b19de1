package partconv

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/cwbudde/algo-convolver/dsp/conv"
	"github.com/cwbudde/algo-convolver/dsp/device"
	"github.com/cwbudde/algo-convolver/internal/testutil"
)

func newTestDevice(t *testing.T, opts ...device.CPUOption) *device.CPU {
	t.Helper()
	dev, err := device.NewCPU(opts...)
	if err != nil {
		t.Fatalf("NewCPU: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func newTestEngine(t *testing.T, dev device.Device, opts ...Option) *Engine {
	t.Helper()
	e, err := New(dev, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// stream feeds signal through channel ch block by block for the given number
// of rounds. setAt picks the upload set of each round.
func stream(t *testing.T, e *Engine, ch int, signal []float64, rounds int, setAt func(r int) int) []float64 {
	t.Helper()
	b := e.BlockSize()
	padded := make([]float64, rounds*b)
	copy(padded, signal)

	out := make([]float64, rounds*b)
	for r := range rounds {
		if err := e.ProcessBlock(ch, setAt(r), padded[r*b:(r+1)*b], out[r*b:(r+1)*b]); err != nil {
			t.Fatalf("round %d: %v", r, err)
		}
	}
	return out
}

func constSet(id int) func(int) int { return func(int) int { return id } }

// reference returns the direct convolution of x and h, cut or padded to n.
func reference(t *testing.T, x, h []float64, n int) []float64 {
	t.Helper()
	out := make([]float64, n)
	if len(h) == 0 {
		return out
	}
	full, err := conv.Direct(x, h)
	if err != nil {
		t.Fatalf("Direct: %v", err)
	}
	copy(out, full)
	return out
}

func requireClose(t *testing.T, got, want []float64, tol float64) {
	t.Helper()
	rel, err := testutil.RelativeError(got, want)
	if err != nil {
		t.Fatal(err)
	}
	if rel > tol {
		t.Fatalf("relative error %g exceeds %g", rel, tol)
	}
}

func roundsFor(signalLen, irLen, block int) int {
	return (signalLen + irLen - 1 + block - 1) / block
}

func TestReferenceEquivalence(t *testing.T) {
	cases := []struct {
		block, irLen, maxLen, group, signal int
	}{
		{1, 64, 64, 16, 200},
		{256, 2048, 2048, 3, 1500},
		{256, 1000, 2048, 16, 700},
		{256, 8192, 8192, 16, 1000},
		{2048, 8192, 8192, 2, 5000},
		{64, 32768, 32768, 64, 500},
	}
	variants := []struct {
		name     string
		pipeline Pipeline
		skip     Stage
	}{
		{"head-tail", PipelineHeadTail, StageNone},
		{"single", PipelineSingle, StageNone},
		{"skip-tail", PipelineHeadTail, SkipTail},
	}

	for _, tc := range cases {
		for _, v := range variants {
			name := fmt.Sprintf("B%d_L%d_G%d/%s", tc.block, tc.irLen, tc.group, v.name)
			t.Run(name, func(t *testing.T) {
				dev := newTestDevice(t)
				e := newTestEngine(t, dev,
					WithBlockSize(tc.block),
					WithMaxConvLen(tc.maxLen),
					WithMaxChannels(1),
					WithMaxSets(1),
					WithAccumBlocksPerStep(tc.group),
					WithPipeline(v.pipeline))

				ir := testutil.Decay(uint64(tc.irLen), tc.irLen, float64(tc.irLen)/4)
				x := testutil.Noise(uint64(tc.block)+1, 1, tc.signal)
				if err := e.UploadConv(0, 0, ir); err != nil {
					t.Fatalf("UploadConv: %v", err)
				}

				rounds := roundsFor(tc.signal, tc.irLen, tc.block)
				padded := make([]float64, rounds*tc.block)
				copy(padded, x)
				got := make([]float64, rounds*tc.block)
				for r := range rounds {
					err := e.Process(Batch{
						Channels:    []int{0},
						UploadIDs:   []int{0},
						Inputs:      [][]float64{padded[r*tc.block : (r+1)*tc.block]},
						Outputs:     [][]float64{got[r*tc.block : (r+1)*tc.block]},
						AdvanceTime: true,
						Skip:        v.skip,
					})
					if err != nil {
						t.Fatalf("round %d: %v", r, err)
					}
				}

				requireClose(t, got, reference(t, x, ir, len(got)), 1e-9)
				if e.Round(0) != uint64(rounds) {
					t.Fatalf("Round() = %d, want %d", e.Round(0), rounds)
				}
			})
		}
	}
}

func TestLinearity(t *testing.T) {
	dev := newTestDevice(t)
	const block, irLen = 64, 512
	ir := testutil.Decay(3, irLen, 100)
	x1 := testutil.Noise(4, 1, 600)
	x2 := testutil.Sine(440, 48000, 0.5, 600)
	rounds := roundsFor(600, irLen, block)

	run := func(x []float64) []float64 {
		e := newTestEngine(t, dev, WithBlockSize(block), WithMaxConvLen(irLen), WithMaxChannels(1), WithMaxSets(1))
		if err := e.UploadConv(0, 0, ir); err != nil {
			t.Fatal(err)
		}
		return stream(t, e, 0, x, rounds, constSet(0))
	}

	const a, b = 0.7, -1.3
	mixed := make([]float64, len(x1))
	for i := range mixed {
		mixed[i] = a*x1[i] + b*x2[i]
	}

	y1, y2, ym := run(x1), run(x2), run(mixed)
	want := make([]float64, len(ym))
	for i := range want {
		want[i] = a*y1[i] + b*y2[i]
	}
	requireClose(t, ym, want, 1e-12)
}

func TestImpulseResponse(t *testing.T) {
	const block, maxLen = 2048, 8192

	for _, pos := range []int{0, 5000} {
		t.Run(fmt.Sprintf("delay %d", pos), func(t *testing.T) {
			dev := newTestDevice(t)
			e := newTestEngine(t, dev, WithBlockSize(block), WithMaxConvLen(maxLen), WithMaxChannels(1), WithMaxSets(1))
			if err := e.UploadConv(0, 0, testutil.Impulse(pos+1, pos)); err != nil {
				t.Fatal(err)
			}

			x := testutil.Noise(98, 1, 3*block)
			rounds := roundsFor(len(x), pos+1, block)
			got := stream(t, e, 0, x, rounds, constSet(0))

			want := make([]float64, len(got))
			copy(want[pos:], x)
			testutil.RequireSliceNearlyEqual(t, got, want, 1e-12)
		})

		t.Run(fmt.Sprintf("impulse input at %d", pos), func(t *testing.T) {
			ir := testutil.Noise(99, 1, maxLen)
			dev := newTestDevice(t)
			e := newTestEngine(t, dev, WithBlockSize(block), WithMaxConvLen(maxLen), WithMaxChannels(1), WithMaxSets(1))
			if err := e.UploadConv(0, 0, ir); err != nil {
				t.Fatal(err)
			}

			rounds := roundsFor(pos+1, maxLen, block) + 1
			got := stream(t, e, 0, testutil.Impulse(pos+1, pos), rounds, constSet(0))

			want := make([]float64, len(got))
			copy(want[pos:], ir)
			testutil.RequireSliceNearlyEqual(t, got, want, 1e-10)
		})
	}
}

func TestPartitionCounts(t *testing.T) {
	tests := []struct {
		length, block, want int
	}{
		{0, 256, 0},
		{1, 256, 1},
		{256, 256, 1},
		{257, 256, 2},
		{8192, 2048, 4},
		{-5, 256, 0},
	}
	for _, tt := range tests {
		if got := NumPartitions(tt.length, tt.block); got != tt.want {
			t.Errorf("NumPartitions(%d, %d) = %d, want %d", tt.length, tt.block, got, tt.want)
		}
	}

	dev := newTestDevice(t)
	e := newTestEngine(t, dev, WithBlockSize(256), WithMaxConvLen(1000), WithAccumBlocksPerStep(3))
	if e.MaxPartitions() != 4 {
		t.Fatalf("MaxPartitions() = %d, want 4", e.MaxPartitions())
	}
	if e.l.strides != 2 {
		t.Fatalf("strides = %d, want ceil(4/3) = 2", e.l.strides)
	}
	lo, hi := e.l.groupRange(0, 4)
	if lo != 1 || hi != 3 {
		t.Fatalf("group 0 = [%d,%d), want [1,3)", lo, hi)
	}
}

func TestZeroLengthIsSilence(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev, WithBlockSize(32), WithMaxConvLen(128), WithMaxChannels(1), WithMaxSets(1))
	if err := e.UploadConv(0, 0, nil); err != nil {
		t.Fatalf("UploadConv(nil): %v", err)
	}
	testutil.RequireZero(t, stream(t, e, 0, testutil.Noise(1, 1, 200), 8, constSet(0)))
}

func TestFlush(t *testing.T) {
	const block, irLen = 128, 1024
	ir := testutil.Decay(5, irLen, 300)
	x := testutil.Noise(6, 1, 900)
	rounds := roundsFor(len(x), irLen, block)

	dev := newTestDevice(t)
	e := newTestEngine(t, dev, WithBlockSize(block), WithMaxConvLen(irLen), WithMaxChannels(1), WithMaxSets(1))
	if err := e.UploadConv(0, 0, ir); err != nil {
		t.Fatal(err)
	}

	stream(t, e, 0, testutil.Noise(7, 1, 5*block), 5, constSet(0))
	before := e.Round(0)
	if err := e.Flush(0); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.Flush(0); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if e.Round(0) != before {
		t.Fatalf("Flush changed round from %d to %d", before, e.Round(0))
	}
	if e.State(0) != StateFlushed {
		t.Fatalf("State() = %v, want flushed", e.State(0))
	}

	silence := make([]float64, block)
	if err := e.ProcessBlock(0, 0, make([]float64, block), silence); err != nil {
		t.Fatal(err)
	}
	testutil.RequireZero(t, silence)

	got := stream(t, e, 0, x, rounds, constSet(0))
	requireClose(t, got, reference(t, x, ir, len(got)), 1e-9)
	if e.State(0) != StateStreaming {
		t.Fatalf("State() = %v, want streaming", e.State(0))
	}
}

func TestHotSwap(t *testing.T) {
	const block, irLen, swapAt = 128, 1024, 12
	irA := testutil.Decay(10, irLen, 200)
	irB := testutil.Decay(11, 700, 150)
	x := testutil.Noise(12, 1, 3000)
	rounds := roundsFor(len(x), irLen, block)

	for _, crossfade := range []bool{false, true} {
		t.Run(fmt.Sprintf("crossfade=%v", crossfade), func(t *testing.T) {
			dev := newTestDevice(t)
			e := newTestEngine(t, dev,
				WithBlockSize(block),
				WithMaxConvLen(irLen),
				WithMaxChannels(1),
				WithMaxSets(2),
				WithCrossfade(crossfade))
			if err := e.UploadConv(0, 0, irA); err != nil {
				t.Fatal(err)
			}

			padded := make([]float64, rounds*block)
			copy(padded, x)
			got := make([]float64, rounds*block)
			for r := range rounds {
				if r == swapAt/2 {
					// Upload into the idle set while the channel streams.
					if err := e.UploadConv(1, 0, irB); err != nil {
						t.Fatal(err)
					}
				}
				set := 0
				if r >= swapAt {
					set = 1
				}
				if err := e.ProcessBlock(0, set, padded[r*block:(r+1)*block], got[r*block:(r+1)*block]); err != nil {
					t.Fatalf("round %d: %v", r, err)
				}
			}

			refA := reference(t, x, irA, len(got))
			refB := reference(t, x, irB, len(got))
			requireClose(t, got[:swapAt*block], refA[:swapAt*block], 1e-9)
			requireClose(t, got[(swapAt+1)*block:], refB[(swapAt+1)*block:], 1e-9)

			peak := 0.0
			for i := range refA {
				peak = max(peak, math.Abs(refA[i]), math.Abs(refB[i]))
			}
			for i, v := range got[swapAt*block : (swapAt+1)*block] {
				if math.Abs(v) > 4*peak {
					t.Fatalf("transition sample %d = %v exceeds %v", i, v, 4*peak)
				}
			}
			if e.ActiveSet(0) != 1 {
				t.Fatalf("ActiveSet() = %d, want 1", e.ActiveSet(0))
			}
			if crossfade && e.Stats().Crossfades != 1 {
				t.Fatalf("Crossfades = %d, want 1", e.Stats().Crossfades)
			}
		})
	}
}

func TestSwitchBackAndUpdateInPlace(t *testing.T) {
	const block, irLen = 64, 512
	irA := testutil.Decay(20, irLen, 100)
	irB := testutil.Decay(21, irLen, 60)
	x := testutil.Noise(22, 1, 2000)
	rounds := roundsFor(len(x), irLen, block)

	dev := newTestDevice(t)
	e := newTestEngine(t, dev, WithBlockSize(block), WithMaxConvLen(irLen), WithMaxChannels(1), WithMaxSets(2),
		WithAccumBlocksPerStep(3))
	if err := e.UploadConv(0, 0, irA); err != nil {
		t.Fatal(err)
	}
	if err := e.UploadConv(1, 0, irB); err != nil {
		t.Fatal(err)
	}

	// A, then B for rounds [10,20), then A again.
	got := stream(t, e, 0, x, rounds, func(r int) int {
		if r >= 10 && r < 20 {
			return 1
		}
		return 0
	})
	refA := reference(t, x, irA, len(got))
	refB := reference(t, x, irB, len(got))
	requireClose(t, got[11*block:20*block], refB[11*block:20*block], 1e-9)
	requireClose(t, got[21*block:], refA[21*block:], 1e-9)

	// Replace set 0's response in place mid-stream.
	e2 := newTestEngine(t, dev, WithBlockSize(block), WithMaxConvLen(irLen), WithMaxChannels(1), WithMaxSets(1))
	if err := e2.UploadConv(0, 0, irA); err != nil {
		t.Fatal(err)
	}
	padded := make([]float64, rounds*block)
	copy(padded, x)
	out := make([]float64, rounds*block)
	for r := range rounds {
		if r == 15 {
			if err := e2.UpdateConv(0, []int{0}, [][]float64{irB}); err != nil {
				t.Fatal(err)
			}
		}
		if err := e2.ProcessBlock(0, 0, padded[r*block:(r+1)*block], out[r*block:(r+1)*block]); err != nil {
			t.Fatal(err)
		}
	}
	requireClose(t, out[:15*block], refA[:15*block], 1e-9)
	requireClose(t, out[16*block:], refB[16*block:], 1e-9)
}

func TestMultiChannelBatch(t *testing.T) {
	const block, maxLen, channels = 128, 2048, 3
	irs := [][]float64{
		testutil.Decay(30, 2048, 400),
		testutil.Decay(31, 300, 80),
		testutil.Decay(32, 1500, 250),
	}
	xs := [][]float64{
		testutil.Noise(33, 1, 1000),
		testutil.Sine(1000, 48000, 0.8, 1000),
		testutil.Noise(34, 0.3, 1000),
	}
	sets := []int{0, 1, 0}

	for _, synchronous := range []bool{false, true} {
		t.Run(fmt.Sprintf("synchronous=%v", synchronous), func(t *testing.T) {
			dev := newTestDevice(t, device.WithParallelism(4))
			e := newTestEngine(t, dev,
				WithBlockSize(block),
				WithMaxConvLen(maxLen),
				WithMaxChannels(channels),
				WithMaxSets(2),
				WithAccumBlocksPerStep(4),
				WithSynchronous(synchronous))

			if err := e.UpdateConv(0, []int{0, 2}, [][]float64{irs[0], irs[2]}); err != nil {
				t.Fatal(err)
			}
			if err := e.UploadConv(1, 1, irs[1]); err != nil {
				t.Fatal(err)
			}
			if err := e.FinishUpdate(); err != nil {
				t.Fatal(err)
			}

			rounds := roundsFor(1000, maxLen, block)
			chans := []int{0, 1, 2}
			got := make([][]float64, channels)
			for ch := range got {
				got[ch] = make([]float64, rounds*block)
			}
			for r := range rounds {
				in, err := e.InputBuffers(chans)
				if err != nil {
					t.Fatal(err)
				}
				for ch := range chans {
					clear(in[ch])
					if lo := r * block; lo < len(xs[ch]) {
						copy(in[ch], xs[ch][lo:])
					}
				}
				if err := e.Process(Batch{Channels: chans, UploadIDs: sets, AdvanceTime: true}); err != nil {
					t.Fatalf("round %d: %v", r, err)
				}
				out, _ := e.OutputBuffers(chans)
				for ch := range chans {
					copy(got[ch][r*block:], out[ch])
				}
			}

			for ch := range chans {
				requireClose(t, got[ch], reference(t, xs[ch], irs[ch], len(got[ch])), 1e-9)
			}
			if e.Stats().Rounds != uint64(rounds) {
				t.Fatalf("Stats().Rounds = %d, want %d", e.Stats().Rounds, rounds)
			}
		})
	}
}

func TestRepeatRoundWithoutAdvancing(t *testing.T) {
	const block, irLen = 64, 256
	ir := testutil.Decay(40, irLen, 50)
	x := testutil.Noise(41, 1, 640)
	rounds := roundsFor(len(x), irLen, block)

	for _, crossfade := range []bool{false, true} {
		t.Run(fmt.Sprintf("crossfade=%v", crossfade), func(t *testing.T) {
			dev := newTestDevice(t)
			e := newTestEngine(t, dev, WithBlockSize(block), WithMaxConvLen(irLen), WithMaxChannels(1),
				WithMaxSets(2), WithCrossfade(crossfade))
			if err := e.UploadConv(0, 0, ir); err != nil {
				t.Fatal(err)
			}
			if err := e.UploadConv(1, 0, testutil.Noise(42, 1, irLen)); err != nil {
				t.Fatal(err)
			}

			padded := make([]float64, rounds*block)
			copy(padded, x)
			got := make([]float64, rounds*block)
			scratch := make([]float64, block)
			junk := testutil.Noise(43, 1, block)
			for r := range rounds {
				blk := padded[r*block : (r+1)*block]
				// Preview with unrelated input and another set, then redo the round.
				preview := Batch{Channels: []int{0}, UploadIDs: []int{1},
					Inputs: [][]float64{junk}, Outputs: [][]float64{scratch}}
				if err := e.Process(preview); err != nil {
					t.Fatal(err)
				}
				if err := e.Process(Batch{Channels: []int{0}, UploadIDs: []int{0},
					Inputs: [][]float64{blk}, Outputs: [][]float64{scratch}}); err != nil {
					t.Fatal(err)
				}
				final := Batch{Channels: []int{0}, UploadIDs: []int{0}, ReuseInput: true,
					Outputs: [][]float64{got[r*block : (r+1)*block]}, AdvanceTime: true}
				if err := e.Process(final); err != nil {
					t.Fatal(err)
				}
				testutil.RequireSliceNearlyEqual(t, scratch, got[r*block:(r+1)*block], 1e-12)
			}
			requireClose(t, got, reference(t, x, ir, len(got)), 1e-9)
			if n := e.Stats().Crossfades; n != 0 {
				t.Fatalf("Crossfades = %d, want 0", n)
			}
		})
	}
}

func TestSplitStageRounds(t *testing.T) {
	const block, irLen = 64, 512
	ir := testutil.Decay(44, irLen, 120)
	x := testutil.Noise(45, 1, 900)
	rounds := roundsFor(len(x), irLen, block)
	junk := testutil.Noise(46, 1, block)

	for _, tc := range []struct {
		name  string
		reuse bool
		group int
	}{
		{"reuse input", true, 16},
		{"ignored input", false, 16},
		{"many groups", true, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := newTestDevice(t)
			e := newTestEngine(t, dev, WithBlockSize(block), WithMaxConvLen(irLen), WithMaxChannels(2),
				WithAccumBlocksPerStep(tc.group))
			if err := e.UploadConv(0, 0, ir); err != nil {
				t.Fatal(err)
			}

			padded := make([]float64, rounds*block)
			copy(padded, x)
			got := make([]float64, rounds*block)
			for r := range rounds {
				head := Batch{Channels: []int{0}, UploadIDs: []int{0}, Skip: SkipTail,
					Inputs:  [][]float64{padded[r*block : (r+1)*block]},
					Outputs: [][]float64{got[r*block : (r+1)*block]}}
				if err := e.Process(head); err != nil {
					t.Fatalf("round %d head: %v", r, err)
				}
				// The tail stage must not push its input, so junk never
				// reaches the history.
				tail := Batch{Channels: []int{0}, UploadIDs: []int{0}, Skip: SkipHead,
					ReuseInput: tc.reuse, AdvanceTime: true}
				if !tc.reuse {
					tail.Inputs = [][]float64{junk}
				}
				if err := e.Process(tail); err != nil {
					t.Fatalf("round %d tail: %v", r, err)
				}
			}
			requireClose(t, got, reference(t, x, ir, len(got)), 1e-9)
			if e.Round(0) != uint64(rounds) {
				t.Fatalf("Round = %d, want %d", e.Round(0), rounds)
			}
		})
	}
}

func TestTailOnlyChannelIsStreaming(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev, WithBlockSize(32), WithMaxConvLen(128), WithMaxChannels(1))
	if err := e.UploadConv(0, 0, testutil.Noise(47, 1, 128)); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		err := e.Process(Batch{Channels: []int{0}, UploadIDs: []int{0}, Skip: SkipHead, AdvanceTime: true})
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := e.State(0); got != StateStreaming {
		t.Fatalf("State = %v, want streaming", got)
	}
	if e.Round(0) != 3 {
		t.Fatalf("Round = %d, want 3", e.Round(0))
	}

	// No head ran, so nothing is carried into the next block.
	out := make([]float64, 32)
	if err := e.ProcessBlock(0, 0, make([]float64, 32), out); err != nil {
		t.Fatal(err)
	}
	testutil.RequireZero(t, out)
}

func TestCopyResponseAndDeviceUpload(t *testing.T) {
	const block, irLen = 64, 500
	ir := testutil.Decay(50, irLen, 120)
	x := testutil.Noise(51, 1, 400)
	rounds := roundsFor(len(x), irLen, block)

	dev := newTestDevice(t)
	e := newTestEngine(t, dev, WithBlockSize(block), WithMaxConvLen(512), WithMaxChannels(2), WithMaxSets(3))

	src, err := dev.Allocate(irLen)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Release()
	err = dev.Queue(device.RoleUpdate).Submit("stage", func(ex device.Exec) error {
		return ex.Upload(device.SpanOf(src), ir)
	}).Wait()
	if err != nil {
		t.Fatal(err)
	}

	if err := e.UploadConvBuffer(0, 1, src, irLen); err != nil {
		t.Fatalf("UploadConvBuffer: %v", err)
	}
	if err := e.CopyResponse(0, 2, 1); err != nil {
		t.Fatalf("CopyResponse: %v", err)
	}

	want := reference(t, x, ir, rounds*block)
	requireClose(t, stream(t, e, 1, x, rounds, constSet(0)), want, 1e-9)
	if err := e.Flush(1); err != nil {
		t.Fatal(err)
	}
	requireClose(t, stream(t, e, 1, x, rounds, constSet(2)), want, 1e-9)

	other := newTestDevice(t)
	foreign, _ := other.Allocate(16)
	if err := e.UploadConvBuffer(0, 0, foreign, 16); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("foreign buffer error = %v", err)
	}
}

func TestErrors(t *testing.T) {
	dev := newTestDevice(t)

	if _, err := New(dev, WithBlockSize(3)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("block size 3: %v", err)
	}
	if _, err := New(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil device: %v", err)
	}
	if _, err := New(dev, WithMaxChannels(0)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero channels: %v", err)
	}

	e := newTestEngine(t, dev, WithBlockSize(16), WithMaxConvLen(64), WithMaxChannels(2), WithMaxSets(2))
	in := make([]float64, 16)
	out := make([]float64, 16)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"ir too long", e.UploadConv(0, 0, make([]float64, 65)), ErrInvalidArgument},
		{"channel out of range", e.UploadConv(0, 2, in), ErrInvalidArgument},
		{"set out of range", e.UploadConv(2, 0, in), ErrInvalidArgument},
		{"set not created", e.ProcessBlock(0, 1, in, out), ErrInvalidArgument},
		{"copy from missing set", e.CopyResponse(1, 0, 0), ErrInvalidArgument},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, tt.err, tt.want)
		}
	}

	if err := e.UploadConv(0, 0, []float64{1}); err != nil {
		t.Fatal(err)
	}
	batches := []struct {
		name string
		b    Batch
		want error
	}{
		{"mismatched ids", Batch{Channels: []int{0}, UploadIDs: []int{0, 0}}, ErrInvalidArgument},
		{"duplicate channel", Batch{Channels: []int{0, 0}, UploadIDs: []int{0, 0}}, ErrInvalidArgument},
		{"short input", Batch{Channels: []int{0}, UploadIDs: []int{0}, Inputs: [][]float64{in[:8]}}, ErrInvalidArgument},
		{"short output", Batch{Channels: []int{0}, UploadIDs: []int{0}, Outputs: [][]float64{out[:8]}}, ErrInvalidArgument},
		{"unknown stage", Batch{Channels: []int{0}, UploadIDs: []int{0}, Skip: Stage(9)}, ErrInvalidArgument},
	}
	for _, tt := range batches {
		if err := e.Process(tt.b); !errors.Is(err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
	}
	if e.Round(0) != 0 {
		t.Fatalf("rejected batches advanced the round to %d", e.Round(0))
	}

	single := newTestEngine(t, dev, WithBlockSize(16), WithMaxConvLen(64), WithPipeline(PipelineSingle))
	if err := single.UploadConv(0, 0, []float64{1}); err != nil {
		t.Fatal(err)
	}
	err := single.Process(Batch{Channels: []int{0}, UploadIDs: []int{0}, Skip: SkipTail})
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("SkipTail on single pipeline: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.ProcessBlock(0, 0, in, out); !errors.Is(err, ErrClosed) {
		t.Fatalf("after Close: %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	// History 4·64 + head 32 fits, a 256+32 sample set does not.
	dev := newTestDevice(t, device.WithMemoryLimit(300))
	e := newTestEngine(t, dev, WithBlockSize(16), WithMaxConvLen(64), WithMaxChannels(1), WithMaxSets(2))

	if err := e.CreateSet(0); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("CreateSet error = %v, want ErrOutOfMemory", err)
	}
	if err := e.UploadConv(1, 0, []float64{1}); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("UploadConv error = %v, want ErrOutOfMemory", err)
	}
	if err := e.ProcessBlock(0, 0, make([]float64, 16), make([]float64, 16)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Process on failed set: %v", err)
	}
}

func TestDeviceFailurePoisonsEngine(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev, WithBlockSize(16), WithMaxConvLen(64), WithMaxChannels(1), WithMaxSets(1))
	if err := e.UploadConv(0, 0, testutil.Noise(60, 1, 64)); err != nil {
		t.Fatal(err)
	}
	stream(t, e, 0, testutil.Noise(61, 1, 64), 4, constSet(0))

	// Freeing the history ring under the engine makes every push fail. The
	// deferred tail of the last round still reads it, so drain first.
	if err := dev.Queue(device.RoleProcess).Finish(); err != nil {
		t.Fatal(err)
	}
	e.hist.buf.Release()

	out := make([]float64, 16)
	for i := range out {
		out[i] = 42
	}
	round := e.Round(0)
	err := e.ProcessBlock(0, 0, make([]float64, 16), out)
	if !errors.Is(err, ErrDevice) {
		t.Fatalf("error = %v, want ErrDevice", err)
	}
	for i, v := range out {
		if v != 42 {
			t.Fatalf("output[%d] overwritten by failed call", i)
		}
	}
	if e.Round(0) != round {
		t.Fatal("failed call advanced time")
	}
	if err := e.UploadConv(0, 0, []float64{1}); !errors.Is(err, ErrDevice) {
		t.Fatalf("later call error = %v, want ErrDevice", err)
	}
}

func TestReleaseSet(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev, WithBlockSize(32), WithMaxConvLen(128), WithMaxChannels(1), WithMaxSets(2))
	if err := e.UploadConv(1, 0, testutil.Noise(70, 1, 100)); err != nil {
		t.Fatal(err)
	}
	stream(t, e, 0, testutil.Noise(71, 1, 96), 3, constSet(1))

	withSet := e.Stats().DeviceSamples
	if err := e.ReleaseSet(1); err != nil {
		t.Fatalf("ReleaseSet: %v", err)
	}
	if e.Stats().DeviceSamples >= withSet {
		t.Fatalf("device samples %d not below %d after release", e.Stats().DeviceSamples, withSet)
	}
	if e.ActiveSet(0) != -1 {
		t.Fatalf("ActiveSet() = %d after release", e.ActiveSet(0))
	}
	if err := e.ProcessBlock(0, 1, make([]float64, 32), make([]float64, 32)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Process on released set: %v", err)
	}
}

func TestStateAndStats(t *testing.T) {
	dev := newTestDevice(t)
	e := newTestEngine(t, dev, WithBlockSize(32), WithMaxConvLen(256), WithMaxChannels(2), WithMaxSets(1),
		WithAccumBlocksPerStep(2))
	if e.State(0) != StateIdle || e.ActiveSet(0) != -1 {
		t.Fatalf("fresh channel: state %v, set %d", e.State(0), e.ActiveSet(0))
	}
	if err := e.UploadConv(0, 0, testutil.Noise(80, 1, 256)); err != nil {
		t.Fatal(err)
	}
	stream(t, e, 0, testutil.Noise(81, 1, 160), 5, constSet(0))

	s := e.Stats()
	if s.Rounds != 5 || s.Uploads != 1 {
		t.Fatalf("Stats() = %+v", s)
	}
	// The first round rebuilds the tail inline; later rounds use the
	// deferred tail.
	if s.TailRebuilds != 1 {
		t.Fatalf("TailRebuilds = %d, want 1", s.TailRebuilds)
	}
	// Per round: push, head and ceil(8/2) tail groups.
	if s.Dispatches != 5*6 {
		t.Fatalf("Dispatches = %d, want 30", s.Dispatches)
	}
	if e.State(1) != StateIdle {
		t.Fatalf("untouched channel state %v", e.State(1))
	}
}

func BenchmarkProcess(b *testing.B) {
	for _, tc := range []struct{ block, irLen int }{{256, 48000}, {1024, 96000}} {
		b.Run(fmt.Sprintf("B%d_L%d", tc.block, tc.irLen), func(b *testing.B) {
			dev, err := device.NewCPU()
			if err != nil {
				b.Fatal(err)
			}
			defer dev.Close()
			e, err := New(dev, WithBlockSize(tc.block), WithMaxConvLen(tc.irLen), WithMaxChannels(2))
			if err != nil {
				b.Fatal(err)
			}
			defer e.Close()
			for ch := range 2 {
				if err := e.UploadConv(0, ch, testutil.Decay(uint64(ch), tc.irLen, 8000)); err != nil {
					b.Fatal(err)
				}
			}
			batch := Batch{Channels: []int{0, 1}, UploadIDs: []int{0, 0}, AdvanceTime: true}
			b.ReportAllocs()
			for b.Loop() {
				if err := e.Process(batch); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
