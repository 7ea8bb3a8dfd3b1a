package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum computes zero-centred magnitude spectra of complex signals.
// The FFT plan is kept between calls and rebuilt when the length changes.
// It is not safe for concurrent use.
type Spectrum struct {
	fft    *fourier.CmplxFFT
	n      int
	seq    []complex128
	coeffs []complex128
}

// Magnitude returns |FFT(i + jq)| / L for each bin, shifted so index L/2 is DC
func (s *Spectrum) Magnitude(i, q []float64) []float64 {
	n := len(i)
	if len(q) < n {
		n = len(q)
	}
	if n == 0 {
		return nil
	}

	if s.fft == nil || s.n != n {
		s.fft = fourier.NewCmplxFFT(n)
		s.n = n
		s.seq = make([]complex128, n)
		s.coeffs = make([]complex128, n)
	}

	for k := 0; k < n; k++ {
		s.seq[k] = complex(i[k], q[k])
	}
	s.coeffs = s.fft.Coefficients(s.coeffs, s.seq)

	shifted := FFTShift(s.coeffs)
	mag := make([]float64, n)
	inv := 1 / float64(n)
	for k, c := range shifted {
		mag[k] = inv * math.Sqrt(real(c)*real(c)+imag(c)*imag(c))
	}
	return mag
}

// FFTShift reorders FFT output so the zero-frequency bin lands at index len/2
func FFTShift(coeffs []complex128) []complex128 {
	n := len(coeffs)
	out := make([]complex128, n)
	half := n / 2
	for k := range out {
		out[k] = coeffs[(k+n-half)%n]
	}
	return out
}
