// Package testutil holds deterministic signal generators and tolerance
// checks shared by the package tests.
package testutil

import (
	"math"
	"math/rand/v2"
)

// Noise returns uniform white noise in [-amplitude, amplitude) drawn from a
// PCG source seeded with seed, so every run sees the same samples.
func Noise(seed uint64, amplitude float64, length int) []float64 {
	rng := rand.New(rand.NewPCG(seed, 0))
	out := make([]float64, length)
	for i := range out {
		out[i] = (rng.Float64()*2 - 1) * amplitude
	}
	return out
}

// Sine generates amplitude·sin(2π·freqHz·n/sampleRate).
func Sine(freqHz, sampleRate, amplitude float64, length int) []float64 {
	out := make([]float64, length)
	step := 2 * math.Pi * freqHz / sampleRate
	for i := range out {
		out[i] = amplitude * math.Sin(step*float64(i))
	}
	return out
}

// Impulse returns a unit impulse at pos. Out-of-range positions yield silence.
func Impulse(length, pos int) []float64 {
	out := make([]float64, length)
	if pos >= 0 && pos < length {
		out[pos] = 1
	}
	return out
}

// Decay returns an exponentially decaying impulse response, a cheap stand-in
// for a room response.
func Decay(seed uint64, length int, tau float64) []float64 {
	out := Noise(seed, 1, length)
	for i := range out {
		out[i] *= math.Exp(-float64(i) / tau)
	}
	return out
}

// Blocks splits signal into consecutive blockSize chunks, zero-padding the
// final one.
func Blocks(signal []float64, blockSize int) [][]float64 {
	n := (len(signal) + blockSize - 1) / blockSize
	out := make([][]float64, n)
	for b := range out {
		out[b] = make([]float64, blockSize)
		copy(out[b], signal[b*blockSize:min((b+1)*blockSize, len(signal))])
	}
	return out
}
