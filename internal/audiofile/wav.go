package audiofile

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

func checkBitDepth(depth int) error {
	switch depth {
	case 16, 24, 32:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrBitDepth, depth)
}

func fullScale(bitDepth int) float64 { return float64(int64(1) << (bitDepth - 1)) }

// DecodeWAV reads a PCM WAV stream.
func DecodeWAV(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a PCM wav stream", ErrInvalidFile)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, fmt.Errorf("%w: missing format chunk", ErrInvalidFile)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	if err := checkBitDepth(depth); err != nil {
		return nil, err
	}

	scale := 1 / fullScale(depth)
	data := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		data[i] = float64(v) * scale
	}
	return deinterleave(data, buf.Format.NumChannels, buf.Format.SampleRate), nil
}

// WriteWAV encodes c as integer PCM of bitDepth 16, 24 or 32. Samples are
// clipped to full scale.
func WriteWAV(w io.WriteSeeker, c *Clip, bitDepth int) error {
	if err := checkBitDepth(bitDepth); err != nil {
		return err
	}
	channels := c.NumChannels()
	if channels == 0 || c.SampleRate <= 0 {
		return fmt.Errorf("%w: %d channels at %d Hz", ErrInvalidFile, channels, c.SampleRate)
	}

	frames := c.Frames()
	scale := fullScale(bitDepth)
	hi, lo := scale-1, -scale
	data := make([]int, frames*channels)
	for ch, samples := range c.Channels {
		for i, v := range samples {
			data[i*channels+ch] = int(math.Max(lo, math.Min(hi, math.Round(v*scale))))
		}
	}

	enc := wav.NewEncoder(w, c.SampleRate, bitDepth, channels, wavFormatPCM)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: c.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}
