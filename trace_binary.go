package main

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/cwsl/pimtector/dsp"
)

// Binary Trace Packet Format
// ==========================
//
// Traces can be streamed as binary packets instead of JSON. The frequency
// axis of a trace is linear, so it is sent as (start, step) and only the
// power column travels per point. The axis goes out in a FULL header on the
// first packet and whenever it changes; otherwise a MINIMAL header is used.
//
// FULL HEADER FORMAT (34 bytes):
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------
// 0      | 2    | uint16  | Magic bytes: 0x5446 ("TF")
// 2      | 1    | uint8   | Version: 1
// 3      | 1    | uint8   | Format type: 0=raw, 1=zstd
// 4      | 1    | uint8   | Flags: bit 0 = buffer overflow
// 5      | 8    | uint64  | Sequence number
// 13     | 4    | uint32  | Number of points
// 17     | 8    | float64 | Frequency of the first point, MHz
// 25     | 8    | float64 | Frequency step, MHz
// 33     | 1    | uint8   | Reserved
// 34     | 4*N  | float32 | Power per point, dB
//
// MINIMAL HEADER FORMAT (16 bytes):
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------
// 0      | 2    | uint16  | Magic bytes: 0x544D ("TM")
// 2      | 1    | uint8   | Version: 1
// 3      | 1    | uint8   | Flags
// 4      | 8    | uint64  | Sequence number
// 12     | 4    | uint32  | Number of points
// 16     | 4*N  | float32 | Power per point, dB
//
// All fields are little-endian. With zstd the whole packet (header and
// data) is compressed; the client negotiates compression when connecting.

const (
	TraceBinaryMagicFull    uint16 = 0x5446 // "TF"
	TraceBinaryMagicMinimal uint16 = 0x544D // "TM"
	TraceBinaryVersion      uint8  = 1

	TraceFormatRaw  uint8 = 0
	TraceFormatZstd uint8 = 1

	TraceFlagOverflow uint8 = 1 << 0

	TraceFullHeaderSize    = 34
	TraceMinimalHeaderSize = 16
)

// zstdEncoderPool provides reusable zstd encoders
var zstdEncoderPool = sync.Pool{
	New: func() interface{} {
		encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return encoder
	},
}

// traceAxis is the linear frequency axis of a trace
type traceAxis struct {
	points   int
	startMHz float64
	stepMHz  float64
}

func axisOf(t dsp.Trace) traceAxis {
	a := traceAxis{points: len(t)}
	if len(t) > 0 {
		a.startMHz = t[0].FrequencyMHz
	}
	if len(t) > 1 {
		a.stepMHz = (t[len(t)-1].FrequencyMHz - t[0].FrequencyMHz) / float64(len(t)-1)
	}
	return a
}

// TraceBinaryEncoder turns traces into binary packets for one subscriber
type TraceBinaryEncoder struct {
	useCompression bool
	zstdEncoder    *zstd.Encoder

	mu       sync.Mutex
	lastAxis traceAxis
	haveAxis bool
	sequence uint64
}

// NewTraceBinaryEncoder creates an encoder, optionally zstd compressing
func NewTraceBinaryEncoder(useCompression bool) *TraceBinaryEncoder {
	e := &TraceBinaryEncoder{useCompression: useCompression}
	if useCompression {
		e.zstdEncoder = zstdEncoderPool.Get().(*zstd.Encoder)
	}
	return e
}

// Encode builds the packet for t
func (e *TraceBinaryEncoder) Encode(t dsp.Trace, overflow bool) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	var flags uint8
	if overflow {
		flags |= TraceFlagOverflow
	}

	axis := axisOf(t)
	var packet []byte
	if !e.haveAxis || axis != e.lastAxis {
		packet = e.buildFullHeaderPacket(t, axis, flags)
		e.lastAxis = axis
		e.haveAxis = true
	} else {
		packet = e.buildMinimalHeaderPacket(t, flags)
	}
	e.sequence++

	if e.useCompression && e.zstdEncoder != nil {
		return e.zstdEncoder.EncodeAll(packet, make([]byte, 0, len(packet)))
	}
	return packet
}

func (e *TraceBinaryEncoder) buildFullHeaderPacket(t dsp.Trace, axis traceAxis, flags uint8) []byte {
	packet := make([]byte, TraceFullHeaderSize+4*len(t))

	binary.LittleEndian.PutUint16(packet[0:], TraceBinaryMagicFull)
	packet[2] = TraceBinaryVersion
	if e.useCompression {
		packet[3] = TraceFormatZstd
	} else {
		packet[3] = TraceFormatRaw
	}
	packet[4] = flags
	binary.LittleEndian.PutUint64(packet[5:], e.sequence)
	binary.LittleEndian.PutUint32(packet[13:], uint32(axis.points))
	binary.LittleEndian.PutUint64(packet[17:], math.Float64bits(axis.startMHz))
	binary.LittleEndian.PutUint64(packet[25:], math.Float64bits(axis.stepMHz))

	putPowers(packet[TraceFullHeaderSize:], t)
	return packet
}

func (e *TraceBinaryEncoder) buildMinimalHeaderPacket(t dsp.Trace, flags uint8) []byte {
	packet := make([]byte, TraceMinimalHeaderSize+4*len(t))

	binary.LittleEndian.PutUint16(packet[0:], TraceBinaryMagicMinimal)
	packet[2] = TraceBinaryVersion
	packet[3] = flags
	binary.LittleEndian.PutUint64(packet[4:], e.sequence)
	binary.LittleEndian.PutUint32(packet[12:], uint32(len(t)))

	putPowers(packet[TraceMinimalHeaderSize:], t)
	return packet
}

func putPowers(dst []byte, t dsp.Trace) {
	for i, p := range t {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(float32(p.PowerDb)))
	}
}

// Close returns the zstd encoder to the pool
func (e *TraceBinaryEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.zstdEncoder != nil {
		zstdEncoderPool.Put(e.zstdEncoder)
		e.zstdEncoder = nil
	}
}
