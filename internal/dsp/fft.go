package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FullScale is the magnitude of a full-scale fc32 sample.
const FullScale = 1.0

// FFTShift rotates FFT output so that DC sits in the middle. The input is
// modified in place and returned.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n < 2 {
		return data
	}
	k := n - n/2
	tmp := make([]complex128, k)
	copy(tmp, data[:k])
	copy(data, data[k:])
	copy(data[n-k:], tmp)
	return data
}

// FFTAndDBFS windows samples with a Hamming window, transforms them and
// returns the shifted spectrum together with each bin's level in dBFS.
func FFTAndDBFS(samples []complex64) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	win := Hamming(len(samples))
	fft := fourier.NewCmplxFFT(len(samples))
	return spectrum(fft, win, windowSum(win), samples)
}

func spectrum(fft *fourier.CmplxFFT, win []float64, sum float64, samples []complex64) ([]complex128, []float64) {
	coeff := fft.Coefficients(nil, ApplyWindow(samples, win))
	for i := range coeff {
		coeff[i] /= complex(sum, 0)
	}
	shifted := FFTShift(coeff)
	dbfs := make([]float64, len(shifted))
	for i, v := range shifted {
		dbfs[i] = toDBFS(cmplx.Abs(v))
	}
	return shifted, dbfs
}

func toDBFS(mag float64) float64 {
	if mag == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(mag/FullScale)
}
