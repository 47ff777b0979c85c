// Package waveform builds the TX test buffers cycled by the benchmark.
package waveform

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Kind names a test waveform.
type Kind string

const (
	// Random is a QPSK-like sequence, each component independently ±1.
	Random Kind = "random"
	// Tone is a complex exponential at a fixed fraction of the sample rate.
	Tone Kind = "tone"
)

// ParseKind accepts "random" or "tone"; empty selects Random.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", Random:
		return Random, nil
	case Tone:
		return Tone, nil
	default:
		return "", fmt.Errorf("unknown waveform %q", s)
	}
}

// Generate returns n buffers of samples length filled with ±1 ± 1j symbols.
// The same seed always yields the same buffers.
func Generate(n, samples int, seed uint64) [][]complex64 {
	coin := distuv.Bernoulli{P: 0.5, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	bufs := make([][]complex64, n)
	for b := range bufs {
		buf := make([]complex64, samples)
		for i := range buf {
			buf[i] = complex(float32(coin.Rand()*2-1), float32(coin.Rand()*2-1))
		}
		bufs[b] = buf
	}
	return bufs
}

// GenerateTone returns n buffers holding a continuous tone at cycles per
// sample freq (in [-0.5, 0.5)) and amplitude amp. Phase carries across
// buffers so they can be cycled without discontinuity when samples*freq*n
// is an integer.
func GenerateTone(n, samples int, freq, amp float64) [][]complex64 {
	bufs := make([][]complex64, n)
	k := 0
	for b := range bufs {
		buf := make([]complex64, samples)
		for i := range buf {
			phase := 2 * math.Pi * freq * float64(k)
			buf[i] = complex(float32(amp*math.Cos(phase)), float32(amp*math.Sin(phase)))
			k++
		}
		bufs[b] = buf
	}
	return bufs
}

// Build generates n buffers of the given kind.
func Build(kind Kind, n, samples int, seed uint64) ([][]complex64, error) {
	switch kind {
	case "", Random:
		return Generate(n, samples, seed), nil
	case Tone:
		return GenerateTone(n, samples, 0.125, 0.5), nil
	default:
		return nil, fmt.Errorf("unknown waveform %q", kind)
	}
}
