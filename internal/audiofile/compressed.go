package audiofile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

// go-mp3 always produces interleaved stereo 16-bit little-endian PCM.
const mp3Channels = 2

// DecodeMP3 decodes an MPEG-1/2 layer III stream.
func DecodeMP3(r io.Reader) (*Clip, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}

	var data []float64
	chunk := make([]byte, 8192)
	for {
		n, err := dec.Read(chunk)
		for i := 0; i+1 < n; i += 2 {
			v := int16(binary.LittleEndian.Uint16(chunk[i:]))
			data = append(data, float64(v)/32768)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
		}
	}
	return deinterleave(data, mp3Channels, dec.SampleRate()), nil
}

// DecodeVorbis decodes an Ogg Vorbis stream.
func DecodeVorbis(r io.Reader) (*Clip, error) {
	samples, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	if format.Channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidFile, format.Channels)
	}

	data := make([]float64, len(samples))
	for i, v := range samples {
		data[i] = float64(v)
	}
	return deinterleave(data, format.Channels, format.SampleRate), nil
}
