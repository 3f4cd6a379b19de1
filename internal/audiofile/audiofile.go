// Package audiofile loads and saves the audio the convolve command works on.
//
// WAV is read and written through go-audio/wav; MP3 and Ogg Vorbis are
// decode-only. Samples are de-interleaved float64 in [-1, 1].
package audiofile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("audiofile: unsupported format")
	ErrInvalidFile       = errors.New("audiofile: invalid file")
	ErrBitDepth          = errors.New("audiofile: unsupported bit depth")
)

// Clip is decoded audio, one slice per channel.
type Clip struct {
	SampleRate int
	Channels   [][]float64
}

// NewClip allocates a silent clip.
func NewClip(sampleRate, channels, frames int) *Clip {
	c := &Clip{SampleRate: sampleRate, Channels: make([][]float64, channels)}
	for ch := range c.Channels {
		c.Channels[ch] = make([]float64, frames)
	}
	return c
}

// NumChannels returns the channel count.
func (c *Clip) NumChannels() int { return len(c.Channels) }

// Frames returns the length of the longest channel.
func (c *Clip) Frames() int {
	n := 0
	for _, ch := range c.Channels {
		n = max(n, len(ch))
	}
	return n
}

// Channel returns channel ch, wrapping around so a mono clip serves any
// channel index.
func (c *Clip) Channel(ch int) []float64 {
	if len(c.Channels) == 0 {
		return nil
	}
	return c.Channels[ch%len(c.Channels)]
}

// Peak returns the largest absolute sample.
func (c *Clip) Peak() float64 {
	peak := 0.0
	for _, ch := range c.Channels {
		for _, v := range ch {
			peak = max(peak, v, -v)
		}
	}
	return peak
}

func deinterleave(data []float64, channels, sampleRate int) *Clip {
	frames := len(data) / channels
	c := NewClip(sampleRate, channels, frames)
	for i := range frames {
		for ch := range channels {
			c.Channels[ch][i] = data[i*channels+ch]
		}
	}
	return c
}

// Load decodes the file at path, choosing the decoder by extension.
func Load(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var c *Clip
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav", ".wave":
		c, err = DecodeWAV(f)
	case ".mp3":
		c, err = DecodeMP3(f)
	case ".ogg", ".oga":
		c, err = DecodeVorbis(f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Save writes c to path as a WAV file with the given bit depth.
func Save(path string, c *Clip, bitDepth int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteWAV(f, c, bitDepth)
}
