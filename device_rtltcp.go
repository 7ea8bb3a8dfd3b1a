package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// rtl_tcp command opcodes
const (
	rtlTCPSetFreq         = 0x01
	rtlTCPSetSampleRate   = 0x02
	rtlTCPSetGainMode     = 0x03
	rtlTCPSetGain         = 0x04
	rtlTCPSetFreqCorr     = 0x05
	rtlTCPSetAGCMode      = 0x08
	rtlTCPSetOffsetTuning = 0x0a
)

// rtl_tcp tuner type identifiers from the dongle info header
var rtlTCPTuners = map[uint32]string{
	1: "E4000",
	2: "FC0012",
	3: "FC0013",
	4: "FC2580",
	5: "R820T",
	6: "R828D",
}

var rtlTCPGains = map[uint32][]int{
	1: {-10, 15, 40, 65, 90, 115, 140, 165, 190, 215, 240, 290, 340, 420},
	5: simR820TGains,
	6: simR820TGains,
}

var errNoGainTable = errors.New("tuner gain table unknown")

// rtlTCPDriver reaches a dongle through an rtl_tcp server
type rtlTCPDriver struct {
	address string
	timeout time.Duration
}

func newRTLTCPDriver(address string) *rtlTCPDriver {
	return &rtlTCPDriver{address: address, timeout: 5 * time.Second}
}

// DeviceCount reports one device when the server accepts connections
func (d *rtlTCPDriver) DeviceCount() int {
	conn, err := net.DialTimeout("tcp", d.address, d.timeout)
	if err != nil {
		if DebugMode {
			log.Printf("DEBUG: rtl_tcp server %s not reachable: %v", d.address, err)
		}
		return 0
	}
	conn.Close()
	return 1
}

func (d *rtlTCPDriver) Open(index int) (Device, error) {
	if index != 0 {
		return nil, fmt.Errorf("rtl_tcp exposes a single device, got index %d", index)
	}
	conn, err := net.DialTimeout("tcp", d.address, d.timeout)
	if err != nil {
		return nil, err
	}

	var header struct {
		Magic      [4]byte
		TunerType  uint32
		GainStages uint32
	}
	conn.SetReadDeadline(time.Now().Add(d.timeout))
	if err := binary.Read(conn, binary.BigEndian, &header); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading dongle info: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if string(header.Magic[:]) != "RTL0" {
		conn.Close()
		return nil, fmt.Errorf("unexpected rtl_tcp magic %q", header.Magic[:])
	}

	dev := &rtlTCPDevice{
		address: d.address,
		conn:    conn,
		tuner:   header.TunerType,
		done:    make(chan struct{}),
	}
	go dev.pump()

	log.Printf("rtl_tcp: connected to %s (tuner %s)", d.address, dev.tunerName())
	return dev, nil
}

// rtlTCPDevice streams continuously from the server; ReadAsync and
// CancelAsync attach and detach the event sink. The protocol has no
// getters, so reads return the last value written.
type rtlTCPDevice struct {
	address string
	conn    net.Conn
	tuner   uint32

	writeMu sync.Mutex

	mu           sync.Mutex
	sink         chan<- DeviceEvent
	bufLen       int
	pending      []byte
	readErr      error
	closed       bool
	centerFreq   int
	sampleRate   int
	gain         int
	ppm          int
	offsetTuning bool

	done chan struct{}
}

func (d *rtlTCPDevice) tunerName() string {
	if name, ok := rtlTCPTuners[d.tuner]; ok {
		return name
	}
	return fmt.Sprintf("unknown (%d)", d.tuner)
}

// pump reads the sample stream until the connection fails or is closed
func (d *rtlTCPDevice) pump() {
	defer close(d.done)
	r := bufio.NewReaderSize(d.conn, 1<<16)
	chunk := make([]byte, 1<<14)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			d.deliver(chunk[:n])
		}
		if err != nil {
			d.mu.Lock()
			if d.closed || errors.Is(err, net.ErrClosed) {
				err = errDeviceClosed
			} else if errors.Is(err, io.EOF) {
				err = fmt.Errorf("rtl_tcp server %s closed the connection", d.address)
			}
			d.readErr = err
			sink := d.sink
			d.sink = nil
			d.mu.Unlock()

			if sink != nil {
				sink <- DeviceEvent{End: true, Err: err}
			}
			return
		}
	}
}

// deliver assembles bufLen sized frames for the attached sink
func (d *rtlTCPDevice) deliver(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sink == nil {
		return
	}
	d.pending = append(d.pending, p...)
	for len(d.pending) >= d.bufLen {
		frame := make([]byte, d.bufLen)
		copy(frame, d.pending)
		d.pending = d.pending[d.bufLen:]
		select {
		case d.sink <- DeviceEvent{Frame: frame}:
		default:
		}
	}
}

func (d *rtlTCPDevice) command(op byte, param uint32) error {
	var cmd [5]byte
	cmd[0] = op
	binary.BigEndian.PutUint32(cmd[1:], param)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := d.conn.Write(cmd[:])
	return err
}

func (d *rtlTCPDevice) Info() (DeviceInfo, error) {
	return DeviceInfo{Vendor: "rtl_tcp", Product: d.tunerName(), Serial: d.address}, nil
}

func (d *rtlTCPDevice) TunerGains() ([]int, error) {
	gains, ok := rtlTCPGains[d.tuner]
	if !ok {
		return nil, errNoGainTable
	}
	g := make([]int, len(gains))
	copy(g, gains)
	return g, nil
}

func (d *rtlTCPDevice) CenterFreq() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.centerFreq
}

func (d *rtlTCPDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleRate
}

func (d *rtlTCPDevice) TunerGain() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gain
}

func (d *rtlTCPDevice) FreqCorrection() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ppm
}

func (d *rtlTCPDevice) OffsetTuning() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offsetTuning, nil
}

func (d *rtlTCPDevice) SetCenterFreq(hz int) error {
	if err := d.command(rtlTCPSetFreq, uint32(hz)); err != nil {
		return err
	}
	d.mu.Lock()
	d.centerFreq = hz
	d.mu.Unlock()
	return nil
}

func (d *rtlTCPDevice) SetSampleRate(hz int) error {
	if err := d.command(rtlTCPSetSampleRate, uint32(hz)); err != nil {
		return err
	}
	d.mu.Lock()
	d.sampleRate = hz
	d.mu.Unlock()
	return nil
}

func (d *rtlTCPDevice) SetTunerGain(tenthsDb int) error {
	if err := d.command(rtlTCPSetGain, uint32(int32(tenthsDb))); err != nil {
		return err
	}
	d.mu.Lock()
	d.gain = tenthsDb
	d.mu.Unlock()
	return nil
}

func (d *rtlTCPDevice) SetTunerGainMode(manual bool) error {
	return d.command(rtlTCPSetGainMode, boolParam(manual))
}

func (d *rtlTCPDevice) SetAGCMode(on bool) error {
	return d.command(rtlTCPSetAGCMode, boolParam(on))
}

func (d *rtlTCPDevice) SetFreqCorrection(ppm int) error {
	if err := d.command(rtlTCPSetFreqCorr, uint32(int32(ppm))); err != nil {
		return err
	}
	d.mu.Lock()
	d.ppm = ppm
	d.mu.Unlock()
	return nil
}

func (d *rtlTCPDevice) SetOffsetTuning(on bool) error {
	if err := d.command(rtlTCPSetOffsetTuning, boolParam(on)); err != nil {
		return err
	}
	d.mu.Lock()
	d.offsetTuning = on
	d.mu.Unlock()
	return nil
}

// ResetBuffer drops any partially assembled frame
func (d *rtlTCPDevice) ResetBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = d.pending[:0]
	return nil
}

func (d *rtlTCPDevice) ReadAsync(events chan<- DeviceEvent, bufNum, bufLen int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return d.readErr
	}
	if d.sink != nil {
		return errAlreadyStreaming
	}
	if bufLen <= 0 {
		bufLen = 16 * 32 * 512
	}
	d.bufLen = bufLen &^ 1
	d.pending = d.pending[:0]
	d.sink = events
	return nil
}

func (d *rtlTCPDevice) CancelAsync() error {
	d.mu.Lock()
	sink := d.sink
	d.sink = nil
	d.mu.Unlock()
	if sink == nil {
		return errNotStreaming
	}
	go func() { sink <- DeviceEvent{End: true} }()
	return nil
}

func (d *rtlTCPDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	err := d.conn.Close()
	<-d.done
	return err
}

func boolParam(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
