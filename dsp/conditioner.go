package dsp

import (
	"errors"
	"fmt"
	"math"
)

// ErrBadChunk is returned when a raw chunk cannot be conditioned
var ErrBadChunk = errors.New("bad raw chunk")

// Conditioner turns raw interleaved 8-bit I/Q chunks into scaled, windowed,
// folded and optionally decimated I/Q sequences. It owns the window and
// filter caches and is not safe for concurrent use.
type Conditioner struct {
	windows WindowCache
	filters FilterCache
}

// Condition processes one chunk of 2*nChunk bytes (I0 Q0 I1 Q1 ...).
//
// The chunk is split into s.Blocks sub-blocks of nChunk/s.Blocks points
// which are summed point by point (time-domain aliasing), so the result has
// nChunk/s.Blocks points before decimation.
func (c *Conditioner) Condition(chunk []byte, s Settings) ([]float64, []float64, error) {
	if len(chunk) == 0 || len(chunk)%2 != 0 {
		return nil, nil, fmt.Errorf("%w: length %d is not a whole number of I/Q pairs", ErrBadChunk, len(chunk))
	}
	n := len(chunk) / 2
	if s.Blocks < 1 || n%s.Blocks != 0 {
		return nil, nil, fmt.Errorf("%w: %d points do not split into %d blocks", ErrBadChunk, n, s.Blocks)
	}

	w := c.windows.Get(n, s.Window)

	m := n / s.Blocks
	lsb := s.ADCFullscaleVolts / math.Exp2(float64(s.ADCBits))
	shift := (math.Exp2(float64(s.ADCBits)) - 1) / 2

	iAcc := make([]float64, m)
	qAcc := make([]float64, m)
	for k := 0; k < n; k++ {
		scale := w[k] * lsb
		iAcc[k%m] += scale * (float64(chunk[2*k]) - shift)
		qAcc[k%m] += scale * (float64(chunk[2*k+1]) - shift)
	}

	if s.Decimate > 1 {
		taps := c.filters.Get(s.Fs, s.Decimate)
		iAcc, qAcc = Decimate(taps, iAcc, qAcc, s.Decimate)
	}
	return iAcc, qAcc, nil
}

// WindowBuilds reports how often the window cache has been rebuilt
func (c *Conditioner) WindowBuilds() int { return c.windows.Builds() }

// FilterBuilds reports how often the decimation filter has been redesigned
func (c *Conditioner) FilterBuilds() int { return c.filters.Builds() }
