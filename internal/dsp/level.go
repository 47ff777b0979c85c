package dsp

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// PeakDBFS returns the largest sample magnitude in dBFS.
func PeakDBFS(samples []complex64) float64 {
	peak := 0.0
	for _, v := range samples {
		m := math.Hypot(float64(real(v)), float64(imag(v)))
		if m > peak {
			peak = m
		}
	}
	return toDBFS(peak)
}

// RMSDBFS returns the mean power of samples in dBFS.
func RMSDBFS(samples []complex64) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var pow float64
	for _, v := range samples {
		re, im := float64(real(v)), float64(imag(v))
		pow += re*re + im*im
	}
	return toDBFS(math.Sqrt(pow / float64(len(samples))))
}

// Level summarizes one RX buffer.
type Level struct {
	PeakDBFS float64
	RMSDBFS  float64
	// ToneBin is the strongest spectral bin relative to DC.
	ToneBin  int
	ToneDBFS float64
	// Spectrum holds the shifted per-bin levels the tone was picked from.
	Spectrum []float64
}

// Meter measures RX buffers of a fixed size, reusing its window and FFT plan.
// Buffers of other sizes fall back to FFTAndDBFS.
type Meter struct {
	mu  sync.Mutex
	n   int
	win []float64
	sum float64
	fft *fourier.CmplxFFT
}

// NewMeter returns a Meter for buffers of n samples.
func NewMeter(n int) *Meter {
	win := Hamming(n)
	m := &Meter{n: n, win: win, sum: windowSum(win)}
	if n > 0 {
		m.fft = fourier.NewCmplxFFT(n)
	}
	return m
}

// Size reports the buffer length the meter is planned for.
func (m *Meter) Size() int { return m.n }

// Measure computes the time-domain and spectral level of samples.
func (m *Meter) Measure(samples []complex64) Level {
	lvl := Level{PeakDBFS: PeakDBFS(samples), RMSDBFS: RMSDBFS(samples), ToneDBFS: math.Inf(-1)}
	if len(samples) == 0 {
		return lvl
	}

	var dbfs []float64
	if len(samples) == m.n {
		m.mu.Lock()
		_, dbfs = spectrum(m.fft, m.win, m.sum, samples)
		m.mu.Unlock()
	} else {
		_, dbfs = FFTAndDBFS(samples)
	}
	best := 0
	for i, v := range dbfs {
		if v > dbfs[best] {
			best = i
		}
	}
	lvl.ToneBin = best - len(dbfs)/2
	lvl.ToneDBFS = dbfs[best]
	lvl.Spectrum = dbfs
	return lvl
}
