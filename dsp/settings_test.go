package dsp

import (
	"reflect"
	"testing"
)

func TestDefaultSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings rejected: %v", err)
	}
	if got := s.Points(); got != 128 {
		t.Fatalf("Points() = %d, want 128", got)
	}
	if got := s.Span(); got != 160e3 {
		t.Fatalf("Span() = %g, want 160e3", got)
	}
}

func TestSettingsValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero sample rate", func(s *Settings) { s.Fs = 0 }},
		{"chunkDiv does not divide N", func(s *Settings) { s.ChunkDiv = 3 }},
		{"blocks does not divide chunk", func(s *Settings) { s.Blocks = 3 }},
		{"overlap zero", func(s *Settings) { s.Overlap = 0 }},
		{"overlap above one", func(s *Settings) { s.Overlap = 1.5 }},
		{"unknown window", func(s *Settings) { s.Window = "kaiser" }},
		{"decimate not in set", func(s *Settings) { s.Decimate = 3 }},
		{"no averages", func(s *Settings) { s.Averages = 0 }},
		{"too few points", func(s *Settings) { s.N = 64; s.ChunkDiv = 1; s.Blocks = 2; s.Decimate = 32 }},
		{"adc bits", func(s *Settings) { s.ADCBits = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestChunkOffsets(t *testing.T) {
	s := DefaultSettings()

	if got, want := s.ChunkOffsets(s.N), []int{0, 2048, 4096}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ChunkOffsets(N) = %v, want %v", got, want)
	}

	// A short frame only yields the chunks that fit
	if got, want := s.ChunkOffsets(5000), []int{0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ChunkOffsets(5000) = %v, want %v", got, want)
	}

	if got := s.ChunkOffsets(100); len(got) != 0 {
		t.Fatalf("ChunkOffsets(100) = %v, want none", got)
	}

	s.Overlap = 1
	if got, want := s.ChunkOffsets(s.N), []int{0, 4096}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ChunkOffsets without overlap = %v, want %v", got, want)
	}
}

func TestSnapDecimation(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 1},
		{1, 1},
		{3, 2}, // tie between 2 and 4 keeps the smaller
		{5, 4},
		{12, 8},
		{13, 16},
		{16, 16},
		{100, 32},
	}
	for _, tt := range tests {
		if got := SnapDecimation(tt.in); got != tt.want {
			t.Errorf("SnapDecimation(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDecimationForSpan(t *testing.T) {
	const fs = 2.56e6
	tests := []struct {
		span float64
		want int
	}{
		{fs, 1},
		{1e6, 2},
		{160e3, 16},
		{150e3, 16},
		{100e3, 32},
		{1, 32},
		{10e6, 1},
	}
	for _, tt := range tests {
		if got := DecimationForSpan(fs, tt.span); got != tt.want {
			t.Errorf("DecimationForSpan(%g) = %d, want %d", tt.span, got, tt.want)
		}
	}
}
