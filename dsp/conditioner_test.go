package dsp

import (
	"errors"
	"math"
	"testing"
)

func plainSettings() Settings {
	s := DefaultSettings()
	s.Window = WindowNone
	s.Decimate = 1
	s.Blocks = 1
	return s
}

func rawChunk(n int, fn func(k int) (byte, byte)) []byte {
	raw := make([]byte, 2*n)
	for k := 0; k < n; k++ {
		raw[2*k], raw[2*k+1] = fn(k)
	}
	return raw
}

func TestConditionSingleBlockIsScaledCopy(t *testing.T) {
	s := plainSettings()
	raw := rawChunk(64, func(k int) (byte, byte) { return byte(k * 3), byte(255 - k) })

	var c Conditioner
	i, q, err := c.Condition(raw, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(i) != 64 || len(q) != 64 {
		t.Fatalf("lengths %d/%d, want 64", len(i), len(q))
	}

	lsb := 2.0 / 256
	for k := range i {
		wantI := lsb * (float64(raw[2*k]) - 127.5)
		wantQ := lsb * (float64(raw[2*k+1]) - 127.5)
		if math.Abs(i[k]-wantI) > 1e-15 || math.Abs(q[k]-wantQ) > 1e-15 {
			t.Fatalf("point %d: got (%g, %g), want (%g, %g)", k, i[k], q[k], wantI, wantQ)
		}
	}
}

func TestConditionFoldAddsBlocks(t *testing.T) {
	s := plainSettings()
	s.Blocks = 4
	raw := rawChunk(64, func(k int) (byte, byte) { return byte(100 + k), byte(200 - k) })

	var c Conditioner
	i, q, err := c.Condition(raw, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(i) != 16 {
		t.Fatalf("folded length %d, want 16", len(i))
	}

	lsb := 2.0 / 256
	for k := 0; k < 16; k++ {
		var wantI, wantQ float64
		for b := 0; b < 4; b++ {
			wantI += lsb * (float64(raw[2*(k+16*b)]) - 127.5)
			wantQ += lsb * (float64(raw[2*(k+16*b)+1]) - 127.5)
		}
		if math.Abs(i[k]-wantI) > 1e-12 || math.Abs(q[k]-wantQ) > 1e-12 {
			t.Fatalf("point %d: got (%g, %g), want (%g, %g)", k, i[k], q[k], wantI, wantQ)
		}
	}
}

func TestConditionCancellingBlocksFoldToZero(t *testing.T) {
	// An 8-bit sample can not sit exactly on the mid-scale offset, so a zero
	// signal is built from blocks that mirror each other around it.
	s := plainSettings()
	s.Blocks = 2
	raw := rawChunk(128, func(k int) (byte, byte) {
		v := byte((k * 37) % 256)
		if k >= 64 {
			v = 255 - byte(((k-64)*37)%256)
		}
		return v, v
	})

	var c Conditioner
	i, q, err := c.Condition(raw, s)
	if err != nil {
		t.Fatal(err)
	}
	for k := range i {
		if i[k] != 0 || q[k] != 0 {
			t.Fatalf("point %d: got (%g, %g), want zero", k, i[k], q[k])
		}
	}
}

func TestConditionDecimates(t *testing.T) {
	s := DefaultSettings()
	raw := rawChunk(4096, func(k int) (byte, byte) { return 128, 127 })

	var c Conditioner
	for n := 0; n < 3; n++ {
		i, q, err := c.Condition(raw, s)
		if err != nil {
			t.Fatal(err)
		}
		if len(i) != 128 || len(q) != 128 {
			t.Fatalf("lengths %d/%d, want 128", len(i), len(q))
		}
	}
	if c.WindowBuilds() != 1 || c.FilterBuilds() != 1 {
		t.Fatalf("caches rebuilt: window=%d filter=%d", c.WindowBuilds(), c.FilterBuilds())
	}

	s.Decimate = 8
	if _, _, err := c.Condition(raw, s); err != nil {
		t.Fatal(err)
	}
	if c.WindowBuilds() != 1 || c.FilterBuilds() != 2 {
		t.Fatalf("after decimate change: window=%d filter=%d", c.WindowBuilds(), c.FilterBuilds())
	}
}

func TestConditionRejectsBadChunks(t *testing.T) {
	var c Conditioner
	s := DefaultSettings()

	if _, _, err := c.Condition(make([]byte, 7), s); !errors.Is(err, ErrBadChunk) {
		t.Fatalf("odd length: got %v, want ErrBadChunk", err)
	}
	if _, _, err := c.Condition(nil, s); !errors.Is(err, ErrBadChunk) {
		t.Fatalf("empty: got %v, want ErrBadChunk", err)
	}
	s.Blocks = 3
	if _, _, err := c.Condition(make([]byte, 16), s); !errors.Is(err, ErrBadChunk) {
		t.Fatalf("blocks: got %v, want ErrBadChunk", err)
	}
}
