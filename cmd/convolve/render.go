package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/algo-convolver/dsp/device"
	"github.com/cwbudde/algo-convolver/dsp/fht"
	"github.com/cwbudde/algo-convolver/dsp/partconv"
	"github.com/cwbudde/algo-convolver/internal/audiofile"
)

type renderOptions struct {
	in, ir, ir2, out string
	swapAt           float64
	block            int
	maxLen           int
	accum            int
	pipeline         string
	transform        string
	device           string
	wet, dry         float64
	bits             int
	progress         *progress
}

func openDevice(name string, backend fht.Backend, logger *slog.Logger) (device.Device, error) {
	switch name {
	case "cpu":
		return device.NewCPU(device.WithTransform(backend), device.WithLogger(logger))
	case "opencl":
		return device.NewOpenCL(device.WithOpenCLLogger(logger))
	default:
		return nil, fmt.Errorf("unknown device %q", name)
	}
}

// responses returns one impulse response per input channel.
func responses(ir *audiofile.Clip, channels int) [][]float64 {
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = ir.Channel(ch)
	}
	return out
}

func render(opts renderOptions, logger *slog.Logger) error {
	pipeline, err := partconv.ParsePipeline(opts.pipeline)
	if err != nil {
		return err
	}
	backend, err := fht.ParseBackend(opts.transform)
	if err != nil {
		return err
	}

	input, err := audiofile.Load(opts.in)
	if err != nil {
		return err
	}
	if input.NumChannels() == 0 {
		return fmt.Errorf("%s: no audio channels", opts.in)
	}
	irs := []*audiofile.Clip{}
	for _, path := range []string{opts.ir, opts.ir2} {
		if path == "" {
			continue
		}
		clip, err := audiofile.Load(path)
		if err != nil {
			return err
		}
		if clip.NumChannels() == 0 {
			return fmt.Errorf("%s: no audio channels", path)
		}
		if clip.SampleRate != input.SampleRate {
			logger.Warn("sample rate mismatch, response is used as is",
				"response", path, "response_rate", clip.SampleRate, "input_rate", input.SampleRate)
		}
		irs = append(irs, clip)
	}

	channels := input.NumChannels()
	longest := 0
	for _, clip := range irs {
		longest = max(longest, clip.Frames())
	}
	maxLen := opts.maxLen
	if maxLen == 0 {
		maxLen = max(longest, 1)
	}

	dev, err := openDevice(opts.device, backend, logger)
	if err != nil {
		return err
	}
	defer dev.Close()

	e, err := partconv.New(dev,
		partconv.WithBlockSize(opts.block),
		partconv.WithMaxConvLen(maxLen),
		partconv.WithMaxChannels(channels),
		partconv.WithMaxSets(len(irs)),
		partconv.WithAccumBlocksPerStep(opts.accum),
		partconv.WithPipeline(pipeline),
		partconv.WithCrossfade(len(irs) > 1),
		partconv.WithLogger(logger))
	if err != nil {
		return err
	}
	defer e.Close()

	chans := make([]int, channels)
	for ch := range chans {
		chans[ch] = ch
	}
	for id, clip := range irs {
		if err := e.UpdateConv(id, chans, responses(clip, channels)); err != nil {
			return fmt.Errorf("upload response %d: %w", id, err)
		}
	}
	if err := e.FinishUpdate(); err != nil {
		return err
	}

	out, err := convolve(e, input, chans, opts, longest, logger)
	if err != nil {
		return err
	}

	if peak := out.Peak(); peak > 1 {
		logger.Warn("output clips", "peak", peak)
	}
	if err := audiofile.Save(opts.out, out, opts.bits); err != nil {
		return err
	}

	stats := e.Stats()
	logger.Info("rendered",
		"out", opts.out,
		"device", dev.Name(),
		"frames", out.Frames(),
		"rounds", stats.Rounds,
		"dispatches", stats.Dispatches,
		"tail_rebuilds", stats.TailRebuilds)
	return nil
}

// convolve streams input through e, including the reverb tail, and mixes
// wet and dry signals.
func convolve(e *partconv.Engine, input *audiofile.Clip, chans []int, opts renderOptions, tail int, logger *slog.Logger) (*audiofile.Clip, error) {
	block := e.BlockSize()
	frames := input.Frames() + max(tail-1, 0)
	rounds := (frames + block - 1) / block
	out := audiofile.NewClip(input.SampleRate, len(chans), frames)

	swapFrame := -1
	if opts.ir2 != "" {
		swapFrame = int(opts.swapAt * float64(input.SampleRate))
	}
	sets := make([]int, len(chans))

	start := time.Now()
	for r := range rounds {
		lo := r * block
		if swapFrame >= 0 && lo >= swapFrame && sets[0] == 0 {
			for i := range sets {
				sets[i] = 1
			}
			logger.Debug("switching response", "round", r, "frame", lo)
		}

		in, err := e.InputBuffers(chans)
		if err != nil {
			return nil, err
		}
		for ch := range chans {
			clear(in[ch])
			if src := input.Channels[ch]; lo < len(src) {
				copy(in[ch], src[lo:])
			}
		}

		if err := e.Process(partconv.Batch{Channels: chans, UploadIDs: sets, AdvanceTime: true}); err != nil {
			return nil, fmt.Errorf("round %d: %w", r, err)
		}

		wet, err := e.OutputBuffers(chans)
		if err != nil {
			return nil, err
		}
		for ch := range chans {
			src := input.Channels[ch]
			dst := out.Channels[ch][lo:min(lo+block, frames)]
			for i := range dst {
				dst[i] = opts.wet * wet[ch][i]
				if lo+i < len(src) {
					dst[i] += opts.dry * src[lo+i]
				}
			}
		}
		opts.progress.update(r+1, rounds)
	}
	opts.progress.finish()

	elapsed := time.Since(start)
	if elapsed > 0 && input.SampleRate > 0 {
		audio := time.Duration(float64(frames) / float64(input.SampleRate) * float64(time.Second))
		logger.Debug("render speed", "audio", audio, "elapsed", elapsed, "realtime_factor", audio.Seconds()/elapsed.Seconds())
	}
	return out, nil
}
