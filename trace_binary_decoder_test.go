package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/cwsl/pimtector/dsp"
)

var errShortPacket = errors.New("trace packet too short")

// TracePacket is a decoded binary trace
type TracePacket struct {
	Sequence uint64
	Overflow bool
	Trace    dsp.Trace
}

// TraceBinaryDecoder reverses TraceBinaryEncoder, remembering the axis
// from the last full header
type TraceBinaryDecoder struct {
	compressed  bool
	zstdDecoder *zstd.Decoder
	axis        traceAxis
	haveAxis    bool
}

// NewTraceBinaryDecoder creates a decoder for raw or zstd packets
func NewTraceBinaryDecoder(compressed bool) (*TraceBinaryDecoder, error) {
	d := &TraceBinaryDecoder{compressed: compressed}
	if compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		d.zstdDecoder = dec
	}
	return d, nil
}

// Decode parses one packet
func (d *TraceBinaryDecoder) Decode(data []byte) (TracePacket, error) {
	if d.compressed {
		raw, err := d.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return TracePacket{}, fmt.Errorf("decompressing trace packet: %w", err)
		}
		data = raw
	}
	if len(data) < 3 {
		return TracePacket{}, errShortPacket
	}
	if data[2] != TraceBinaryVersion {
		return TracePacket{}, fmt.Errorf("unsupported trace packet version %d", data[2])
	}

	var pkt TracePacket
	var body []byte
	var n int
	switch binary.LittleEndian.Uint16(data) {
	case TraceBinaryMagicFull:
		if len(data) < TraceFullHeaderSize {
			return TracePacket{}, errShortPacket
		}
		pkt.Overflow = data[4]&TraceFlagOverflow != 0
		pkt.Sequence = binary.LittleEndian.Uint64(data[5:])
		n = int(binary.LittleEndian.Uint32(data[13:]))
		d.axis = traceAxis{
			points:   n,
			startMHz: math.Float64frombits(binary.LittleEndian.Uint64(data[17:])),
			stepMHz:  math.Float64frombits(binary.LittleEndian.Uint64(data[25:])),
		}
		d.haveAxis = true
		body = data[TraceFullHeaderSize:]
	case TraceBinaryMagicMinimal:
		if len(data) < TraceMinimalHeaderSize {
			return TracePacket{}, errShortPacket
		}
		if !d.haveAxis {
			return TracePacket{}, errors.New("minimal trace packet before full header")
		}
		pkt.Overflow = data[3]&TraceFlagOverflow != 0
		pkt.Sequence = binary.LittleEndian.Uint64(data[4:])
		n = int(binary.LittleEndian.Uint32(data[12:]))
		if n != d.axis.points {
			return TracePacket{}, fmt.Errorf("trace packet has %d points, axis has %d", n, d.axis.points)
		}
		body = data[TraceMinimalHeaderSize:]
	default:
		return TracePacket{}, fmt.Errorf("bad trace packet magic 0x%04x", binary.LittleEndian.Uint16(data))
	}

	if len(body) != 4*n {
		return TracePacket{}, errShortPacket
	}
	pkt.Trace = make(dsp.Trace, n)
	for i := range pkt.Trace {
		pkt.Trace[i] = dsp.Point{
			FrequencyMHz: d.axis.startMHz + float64(i)*d.axis.stepMHz,
			PowerDb:      float64(math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))),
		}
	}
	return pkt, nil
}

// Close releases the zstd decoder
func (d *TraceBinaryDecoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}
