package main

import "errors"

// DeviceInfo holds the USB identification strings of a receiver
type DeviceInfo struct {
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
	Serial  string `json:"serial"`
}

// DeviceEvent is emitted by a streaming device. Frame events carry one
// buffer of interleaved 8-bit I/Q samples; the last event of a stream has
// End set and, when the stream died on its own, a non-nil Err.
type DeviceEvent struct {
	Frame []byte
	End   bool
	Err   error
}

// Driver enumerates and opens receivers
type Driver interface {
	DeviceCount() int
	Open(index int) (Device, error)
}

// Device is an opened receiver front-end. Integer getters follow the
// librtlsdr convention of returning 0 when the value cannot be read.
//
// ReadAsync starts delivery and returns at once. Frame sends never block
// the device: when the receiver of events falls behind, frames are
// dropped. Exactly one End event is sent per successful ReadAsync, after
// CancelAsync or when the stream fails.
type Device interface {
	Info() (DeviceInfo, error)
	TunerGains() ([]int, error) // tenths of dB

	CenterFreq() int
	SampleRate() int
	TunerGain() int // tenths of dB
	FreqCorrection() int
	OffsetTuning() (bool, error)

	SetCenterFreq(hz int) error
	SetSampleRate(hz int) error
	SetTunerGain(tenthsDb int) error
	SetTunerGainMode(manual bool) error
	SetAGCMode(on bool) error
	SetFreqCorrection(ppm int) error
	SetOffsetTuning(on bool) error
	ResetBuffer() error

	ReadAsync(events chan<- DeviceEvent, bufNum, bufLen int) error
	CancelAsync() error
	Close() error
}

var (
	errAlreadyStreaming = errors.New("already streaming")
	errNotStreaming     = errors.New("not streaming")
	errDeviceClosed     = errors.New("device closed")
)

// newDriver picks the device backend named in the receiver config
func newDriver(cfg ReceiverConfig) (Driver, error) {
	switch cfg.Backend {
	case "", "sim":
		return newSimDriver(cfg.Sim), nil
	case "rtltcp":
		return newRTLTCPDriver(cfg.RTLTCPAddress), nil
	default:
		return nil, errors.New("unknown receiver backend: " + cfg.Backend)
	}
}
