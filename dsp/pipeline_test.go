package dsp

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

// toneFrame synthesises n interleaved 8-bit I/Q points of a complex tone at
// offset Hz from the centre frequency.
func toneFrame(n int, fs, offset, amplitude float64) []byte {
	raw := make([]byte, 2*n)
	for k := 0; k < n; k++ {
		phase := 2 * math.Pi * offset * float64(k) / fs
		raw[2*k] = quantise(127.5 + amplitude*math.Cos(phase))
		raw[2*k+1] = quantise(127.5 + amplitude*math.Sin(phase))
	}
	return raw
}

func quantise(v float64) byte {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

func TestPipelineLocatesTone(t *testing.T) {
	s := DefaultSettings()
	s.N = 8192
	s.Blocks = 2
	s.Fs = 2.56e6
	s.Fo = 725e6
	s.Decimate = DecimationForSpan(s.Fs, 150e3)
	if s.Decimate != 16 {
		t.Fatalf("span snapped to decimation %d, want 16", s.Decimate)
	}

	const offset = 25e3
	frame := toneFrame(s.N, s.Fs, offset, 100)

	p := NewPipeline()
	var trace Trace
	var err error
	for n := 0; n < 3; n++ {
		trace, err = p.Process(frame, s)
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(trace) != s.Points() {
		t.Fatalf("trace length %d, want %d", len(trace), s.Points())
	}

	peak, ok := trace.Peak()
	if !ok {
		t.Fatal("empty trace")
	}
	binWidth := s.Span() / float64(len(trace)-1)
	want := (s.Fo + offset) / 1e6
	if math.Abs(peak.FrequencyMHz-want)*1e6 > binWidth {
		t.Fatalf("peak at %.6f MHz, want %.6f MHz within %.0f Hz", peak.FrequencyMHz, want, binWidth)
	}
	if peak.PowerDb < trace.MeanPower()+20 {
		t.Fatalf("peak %.1f dB does not stand out of mean %.1f dB", peak.PowerDb, trace.MeanPower())
	}
}

func TestPipelineFrequencyAxis(t *testing.T) {
	s := DefaultSettings()
	s.Fo = 100e6
	p := NewPipeline()

	trace, err := p.Process(toneFrame(s.N, s.Fs, 0, 0), s)
	if err != nil {
		t.Fatal(err)
	}
	first, last := trace[0].FrequencyMHz, trace[len(trace)-1].FrequencyMHz
	if math.Abs(first-(100-0.08)) > 1e-9 || math.Abs(last-(100+0.08)) > 1e-9 {
		t.Fatalf("axis runs %.6f..%.6f MHz, want 99.92..100.08", first, last)
	}
}

func TestPipelineHistoryResetsOnSettingsChange(t *testing.T) {
	s := DefaultSettings()
	frame := toneFrame(s.N, s.Fs, 10e3, 50)
	p := NewPipeline()

	// Three chunks per frame with the default overlap
	if _, err := p.Process(frame, s); err != nil {
		t.Fatal(err)
	}
	if got := p.HistoryLen(); got != 3 {
		t.Fatalf("history %d, want 3", got)
	}
	if _, err := p.Process(frame, s); err != nil {
		t.Fatal(err)
	}
	if got := p.HistoryLen(); got != 6 {
		t.Fatalf("history %d, want 6", got)
	}
	if _, err := p.Process(frame, s); err != nil {
		t.Fatal(err)
	}
	if got := p.HistoryLen(); got != s.Averages {
		t.Fatalf("history %d, want capped at %d", got, s.Averages)
	}

	s.Fo += 1e6
	if _, err := p.Process(frame, s); err != nil {
		t.Fatal(err)
	}
	if got := p.HistoryLen(); got != 3 {
		t.Fatalf("history %d after retune, want 3", got)
	}

	p.Reset()
	if got := p.HistoryLen(); got != 0 {
		t.Fatalf("history %d after reset, want 0", got)
	}
	if p.Frames() != 4 {
		t.Fatalf("frames %d, want 4", p.Frames())
	}
}

func TestPipelineRejectedFrameKeepsHistory(t *testing.T) {
	s := DefaultSettings()
	frame := toneFrame(s.N, s.Fs, 10e3, 50)
	p := NewPipeline()
	if _, err := p.Process(frame, s); err != nil {
		t.Fatal(err)
	}
	before := p.HistoryLen()

	// Chunks of N/chunkDiv points cannot fold into 3 blocks
	bad := s
	bad.Blocks = 3
	if _, err := p.Process(frame, bad); !errors.Is(err, ErrBadChunk) {
		t.Fatalf("got %v, want ErrBadChunk", err)
	}
	if got := p.HistoryLen(); got != before {
		t.Errorf("history %d after a rejected frame, want %d", got, before)
	}
	if p.Frames() != 1 {
		t.Errorf("frames %d, want 1", p.Frames())
	}
}

func TestPipelineShortFrame(t *testing.T) {
	s := DefaultSettings()
	p := NewPipeline()
	if _, err := p.Process(make([]byte, 100), s); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("got %v, want ErrShortFrame", err)
	}
}

func TestTraceJSON(t *testing.T) {
	tr := Trace{{FrequencyMHz: 700.5, PowerDb: -40}, {FrequencyMHz: 700.6, PowerDb: MinPowerDb}}
	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[[700.5,-40],[700.6,-200]]` {
		t.Fatalf("encoded %s", data)
	}

	var back Trace
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if len(back) != 2 || back[0] != tr[0] || back[1] != tr[1] {
		t.Fatalf("decoded %v", back)
	}
}

func TestMapTraceZeroMagnitude(t *testing.T) {
	s := DefaultSettings()
	tr := MapTrace([]float64{0, 1, 0.5}, s)
	if tr[0].PowerDb != MinPowerDb {
		t.Fatalf("zero magnitude mapped to %g", tr[0].PowerDb)
	}
	if want := -20 * math.Log10(Zo); math.Abs(tr[1].PowerDb-want) > 1e-12 {
		t.Fatalf("unit magnitude mapped to %g, want %g", tr[1].PowerDb, want)
	}
}
