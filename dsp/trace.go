package dsp

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Zo is the reference impedance trace power is expressed against, ohms
const Zo = 50

// MinPowerDb is reported for bins with zero magnitude
const MinPowerDb = -200.0

var logZo = 20 * math.Log10(Zo)

// Point is one trace sample. It marshals as [frequencyMHz, powerDb].
type Point struct {
	FrequencyMHz float64
	PowerDb      float64
}

// MarshalJSON encodes the point as a two element array
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.FrequencyMHz, p.PowerDb})
}

// UnmarshalJSON decodes a two element array
func (p *Point) UnmarshalJSON(data []byte) error {
	var v [2]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p.FrequencyMHz, p.PowerDb = v[0], v[1]
	return nil
}

// Trace is one power-versus-frequency curve. It is not modified after creation.
type Trace []Point

// MapTrace converts a magnitude trace to frequency (MHz) and power (dB into Zo)
func MapTrace(mag []float64, s Settings) Trace {
	n := len(mag)
	if n == 0 {
		return nil
	}
	fsEff := s.Span()
	step := 0.0
	if n > 1 {
		step = fsEff / float64(n-1)
	}

	t := make(Trace, n)
	for i, v := range mag {
		freq := s.Fo + float64(i)*step - fsEff/2
		p := MinPowerDb
		if v > 0 {
			p = 20*math.Log10(v) - logZo
		}
		t[i] = Point{FrequencyMHz: freq / 1e6, PowerDb: p}
	}
	return t
}

// Peak returns the point with the highest power
func (t Trace) Peak() (Point, bool) {
	if len(t) == 0 {
		return Point{}, false
	}
	return t[floats.MaxIdx(t.Powers())], true
}

// Powers returns the power column of the trace
func (t Trace) Powers() []float64 {
	p := make([]float64, len(t))
	for i, pt := range t {
		p[i] = pt.PowerDb
	}
	return p
}

// MeanPower returns the arithmetic mean of the dB values
func (t Trace) MeanPower() float64 {
	if len(t) == 0 {
		return 0
	}
	return floats.Sum(t.Powers()) / float64(len(t))
}
