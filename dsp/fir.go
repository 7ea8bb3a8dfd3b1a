package dsp

import (
	"math"
)

// FilterOrder is the order of the decimation low-pass (FilterOrder+1 taps)
const FilterOrder = 80

// LowPass designs a Blackman-windowed sinc FIR low-pass of the given order
// with cutoff fc for sample rate fs. The taps are normalised to unity DC gain.
func LowPass(order int, fs, fc float64) []float64 {
	if order < 0 || fs <= 0 {
		return nil
	}

	omega := 2 * math.Pi * fc / fs
	half := float64(order) / 2
	taps := make([]float64, order+1)
	dc := 0.0

	for i := range taps {
		d := float64(i) - half
		if d == 0 {
			taps[i] = omega
		} else {
			taps[i] = math.Sin(omega*d) / d
			if order > 0 {
				taps[i] *= taper(WindowBlackman, i, order)
			}
		}
		dc += taps[i]
	}

	if dc != 0 {
		for i := range taps {
			taps[i] /= dc
		}
	}
	return taps
}

// FilterCache holds the decimation filter for one (fs, decimate) pair and
// redesigns it only when that pair changes. It is not safe for concurrent use.
type FilterCache struct {
	fs       float64
	decimate int
	taps     []float64
	builds   int
}

// Get returns the low-pass taps for cutoff fs/decimate
func (c *FilterCache) Get(fs float64, decimate int) []float64 {
	if c.taps == nil || c.fs != fs || c.decimate != decimate {
		c.taps = LowPass(FilterOrder, fs, fs/float64(decimate))
		c.fs = fs
		c.decimate = decimate
		c.builds++
	}
	return c.taps
}

// Builds reports how many times the filter has been designed
func (c *FilterCache) Builds() int {
	return c.builds
}

// FIR is a direct-form FIR filter with its own running state
type FIR struct {
	taps []float64
	hist []float64
	pos  int
}

// NewFIR creates a filter over taps with zeroed history. The taps slice is
// shared, not copied.
func NewFIR(taps []float64) *FIR {
	return &FIR{
		taps: taps,
		hist: make([]float64, len(taps)),
	}
}

// Step pushes one sample through the filter and returns the output sample
func (f *FIR) Step(x float64) float64 {
	n := len(f.taps)
	if n == 0 {
		return x
	}

	f.hist[f.pos] = x
	y := 0.0
	idx := f.pos
	for _, t := range f.taps {
		y += t * f.hist[idx]
		idx--
		if idx < 0 {
			idx = n - 1
		}
	}

	f.pos++
	if f.pos == n {
		f.pos = 0
	}
	return y
}

// Filter runs every sample of in through the filter
func (f *FIR) Filter(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, x := range in {
		out[i] = f.Step(x)
	}
	return out
}

// Decimate low-pass filters the I and Q channels with independent filter
// instances sharing taps, then keeps every factor-th sample. The output
// length is len(i)/factor. A factor of 1 returns the inputs unchanged.
func Decimate(taps, i, q []float64, factor int) ([]float64, []float64) {
	if factor <= 1 {
		return i, q
	}

	fi := NewFIR(taps).Filter(i)
	fq := NewFIR(taps).Filter(q)

	n := len(i) / factor
	outI := make([]float64, n)
	outQ := make([]float64, n)
	for k := 0; k < n; k++ {
		outI[k] = fi[k*factor]
		outQ[k] = fq[k*factor]
	}
	return outI, outQ
}
