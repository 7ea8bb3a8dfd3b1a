package dsp

import (
	"fmt"
	"math"
)

// WindowType selects the time-domain weighting applied to each raw chunk
type WindowType string

const (
	WindowNone     WindowType = "none"
	WindowBlackman WindowType = "blackman"
	WindowHamming  WindowType = "hamming"
)

// Valid reports whether w names a known window
func (w WindowType) Valid() bool {
	switch w {
	case WindowNone, WindowBlackman, WindowHamming:
		return true
	}
	return false
}

// Decimations lists the decimation factors the receiver can run with
var Decimations = []int{1, 2, 4, 8, 16, 32}

// Settings holds the acquisition and processing parameters read by every
// stage on each frame. It is a plain value; the receiver hands each pipeline
// pass its own copy.
type Settings struct {
	Fo                float64    `yaml:"fo" json:"fo"`                                 // Center frequency, Hz
	Fs                float64    `yaml:"fs" json:"fs"`                                 // Raw ADC sample rate, Hz
	ADCBits           int        `yaml:"adc_bits" json:"adcBits"`                      // ADC bit width
	ADCFullscaleVolts float64    `yaml:"adc_fullscale_volts" json:"adcFullscaleVolts"` // ADC full scale, Vpp
	N                 int        `yaml:"n" json:"N"`                                   // I/Q points per acquisition unit
	Blocks            int        `yaml:"blocks" json:"blocks"`                         // Polyphase fold factor
	ChunkDiv          int        `yaml:"chunk_div" json:"chunkDiv"`                    // Chunks of N/ChunkDiv points
	Overlap           float64    `yaml:"overlap" json:"overlap"`                       // Chunk hop as a fraction of the chunk length
	Window            WindowType `yaml:"window" json:"window"`                         // Time-domain window
	Decimate          int        `yaml:"decimate" json:"decimate"`                     // One of Decimations
	Averages          int        `yaml:"averages" json:"averages"`                     // Trace history depth
}

// DefaultSettings returns the settings the receiver boots with
func DefaultSettings() Settings {
	return Settings{
		Fo:                700e6,
		Fs:                2.56e6,
		ADCBits:           8,
		ADCFullscaleVolts: 2,
		N:                 1 << 13,
		Blocks:            2,
		ChunkDiv:          2,
		Overlap:           0.5,
		Window:            WindowBlackman,
		Decimate:          16,
		Averages:          8,
	}
}

// ChunkPoints is the number of I/Q points in one chunk handed to the conditioner
func (s Settings) ChunkPoints() int {
	if s.ChunkDiv < 1 {
		return s.N
	}
	return s.N / s.ChunkDiv
}

// Points is the length of the trace produced for these settings
func (s Settings) Points() int {
	if s.Blocks < 1 || s.Decimate < 1 {
		return 0
	}
	return s.ChunkPoints() / s.Blocks / s.Decimate
}

// Span is the effective (post-decimation) sample rate, Hz
func (s Settings) Span() float64 {
	if s.Decimate < 1 {
		return s.Fs
	}
	return s.Fs / float64(s.Decimate)
}

// ChunkOffsets returns the starting point (not byte) offset of every chunk
// that fits inside a frame of framePoints I/Q points. Chunks hop by
// ChunkPoints*Overlap points.
func (s Settings) ChunkOffsets(framePoints int) []int {
	nChunk := s.ChunkPoints()
	if nChunk < 1 {
		return nil
	}
	step := int(math.Round(float64(nChunk) * s.Overlap))
	if step < 1 {
		step = 1
	}

	limit := s.N
	if framePoints < limit {
		limit = framePoints
	}

	var offsets []int
	for off := 0; off+nChunk <= limit; off += step {
		offsets = append(offsets, off)
	}
	return offsets
}

// Validate checks that the settings describe a pipeline that can run
func (s Settings) Validate() error {
	if s.Fs <= 0 {
		return fmt.Errorf("sample rate must be positive, got %g", s.Fs)
	}
	if s.ADCBits < 1 || s.ADCBits > 16 {
		return fmt.Errorf("adc bits must be between 1 and 16, got %d", s.ADCBits)
	}
	if s.ADCFullscaleVolts <= 0 {
		return fmt.Errorf("adc full scale must be positive, got %g", s.ADCFullscaleVolts)
	}
	if s.N < 1 {
		return fmt.Errorf("N must be positive, got %d", s.N)
	}
	if s.ChunkDiv < 1 || s.N%s.ChunkDiv != 0 {
		return fmt.Errorf("chunkDiv %d must divide N %d", s.ChunkDiv, s.N)
	}
	if s.Blocks < 1 || s.ChunkPoints()%s.Blocks != 0 {
		return fmt.Errorf("blocks %d must divide the chunk length %d", s.Blocks, s.ChunkPoints())
	}
	if s.Overlap <= 0 || s.Overlap > 1 {
		return fmt.Errorf("overlap must be in (0, 1], got %g", s.Overlap)
	}
	if !s.Window.Valid() {
		return fmt.Errorf("unknown window %q", s.Window)
	}
	if !validDecimation(s.Decimate) {
		return fmt.Errorf("decimate must be one of %v, got %d", Decimations, s.Decimate)
	}
	if s.Averages < 1 {
		return fmt.Errorf("averages must be at least 1, got %d", s.Averages)
	}
	if s.Points() < 3 {
		return fmt.Errorf("settings yield %d trace points, need at least 3", s.Points())
	}
	return nil
}

func validDecimation(d int) bool {
	for _, v := range Decimations {
		if v == d {
			return true
		}
	}
	return false
}

// SnapDecimation returns the member of Decimations closest to d.
// Ties resolve to the smaller factor.
func SnapDecimation(d int) int {
	best := Decimations[0]
	for _, v := range Decimations[1:] {
		if abs(v-d) < abs(best-d) {
			best = v
		}
	}
	return best
}

// DecimationForSpan returns the decimation factor whose span fs/D is closest
// to the requested span. Ties resolve to the smaller factor (wider span).
func DecimationForSpan(fs, span float64) int {
	best := Decimations[0]
	for _, v := range Decimations[1:] {
		if math.Abs(fs/float64(v)-span) < math.Abs(fs/float64(best)-span) {
			best = v
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
