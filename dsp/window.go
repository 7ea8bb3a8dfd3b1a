package dsp

import (
	"math"
)

// Window builds an n-point weighting of the given type, normalised so its
// peak magnitude is exactly 1.
//
// The blackman and hamming windows are a windowed-sinc low-pass prototype
// with cutoff 2/n, tapered point by point.
func Window(n int, typ WindowType) []float64 {
	if n <= 0 {
		return nil
	}

	w := make([]float64, n)
	if typ == WindowNone {
		for i := range w {
			w[i] = 1
		}
		return w
	}

	fc := 2 / float64(n)
	half := float64(n) / 2
	maxMag := 0.0

	for i := range w {
		d := float64(i) - half
		if d == 0 {
			w[i] = 2 * fc
		} else {
			w[i] = math.Sin(2*math.Pi*fc*d) / (math.Pi * d)
		}

		w[i] *= taper(typ, i, n)

		if m := math.Abs(w[i]); m > maxMag {
			maxMag = m
		}
	}

	if maxMag == 0 {
		for i := range w {
			w[i] = 1
		}
		return w
	}

	for i := range w {
		w[i] /= maxMag
	}
	return w
}

func taper(typ WindowType, i, n int) float64 {
	x := 2 * math.Pi * float64(i) / float64(n)
	switch typ {
	case WindowHamming:
		return 0.54 - 0.46*math.Cos(x)
	default:
		return 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
}

// WindowCache keeps the last generated window and rebuilds it only when the
// (length, type) key changes. It is not safe for concurrent use.
type WindowCache struct {
	n      int
	typ    WindowType
	coeffs []float64
	builds int
}

// Get returns the window for (n, typ), reusing the cached slice when the key
// is unchanged. Callers must not modify the returned slice.
func (c *WindowCache) Get(n int, typ WindowType) []float64 {
	if c.coeffs == nil || c.n != n || c.typ != typ {
		c.coeffs = Window(n, typ)
		c.n = n
		c.typ = typ
		c.builds++
	}
	return c.coeffs
}

// Builds reports how many times the window has been generated
func (c *WindowCache) Builds() int {
	return c.builds
}
