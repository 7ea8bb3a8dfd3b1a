package main

import (
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// simR820TGains is the gain table reported by the simulated tuner, tenths of dB
var simR820TGains = []int{0, 9, 14, 27, 37, 77, 87, 125, 144, 157, 166, 197, 207, 229, 254,
	280, 297, 328, 338, 364, 372, 386, 402, 421, 434, 439, 445, 480, 496}

// simFaults injects device failures for testing
type simFaults struct {
	open      error
	setters   map[string]error // keyed by setter name, e.g. "SetCenterFreq"
	getters   bool             // getters return the zero sentinel
	start     error            // ReadAsync fails
	startOnce error            // next ReadAsync fails, then clears
	cancel    error            // CancelAsync fails
	endAfter  int              // next stream ends by itself after this many frames
	endEmpty  bool             // stream ends before its first frame
}

// simDriver opens simulated receivers that synthesise tones plus noise
type simDriver struct {
	cfg    SimConfig
	faults simFaults

	mu     sync.Mutex
	opened []*simDevice
}

func newSimDriver(cfg SimConfig) *simDriver {
	return &simDriver{cfg: cfg}
}

func (d *simDriver) DeviceCount() int {
	return d.cfg.Devices
}

func (d *simDriver) Open(index int) (Device, error) {
	if index < 0 || index >= d.cfg.Devices {
		return nil, fmt.Errorf("no simulated device at index %d", index)
	}
	if d.faults.open != nil {
		return nil, d.faults.open
	}
	dev := &simDevice{
		index:      index,
		cfg:        d.cfg,
		faults:     d.faults,
		centerFreq: 100000000,
		sampleRate: 2048000,
		rng:        rand.New(rand.NewPCG(uint64(index), 0x5eed)),
	}
	d.mu.Lock()
	d.opened = append(d.opened, dev)
	d.mu.Unlock()
	return dev, nil
}

type simDevice struct {
	index  int
	cfg    SimConfig
	faults simFaults

	mu           sync.Mutex
	closed       bool
	centerFreq   int
	sampleRate   int
	gain         int
	ppm          int
	manualGain   bool
	agc          bool
	offsetTuning bool
	resets       int

	streaming bool
	stop      chan struct{}
	starts    int
	sample    uint64 // running sample index, keeps tone phase continuous
	rng       *rand.Rand
}

func (d *simDevice) Info() (DeviceInfo, error) {
	return DeviceInfo{
		Vendor:  "Simulated",
		Product: "RTL2838UHIDIR",
		Serial:  fmt.Sprintf("SIM%05d", d.index),
	}, nil
}

func (d *simDevice) TunerGains() ([]int, error) {
	g := make([]int, len(simR820TGains))
	copy(g, simR820TGains)
	return g, nil
}

func (d *simDevice) CenterFreq() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.getters {
		return 0
	}
	return d.centerFreq
}

func (d *simDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.getters {
		return 0
	}
	return d.sampleRate
}

func (d *simDevice) TunerGain() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.getters {
		return 0
	}
	return d.gain
}

func (d *simDevice) FreqCorrection() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ppm
}

func (d *simDevice) OffsetTuning() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.getters {
		return false, fmt.Errorf("offset tuning not supported")
	}
	return d.offsetTuning, nil
}

// set applies fn under the lock unless a fault is injected for name
func (d *simDevice) set(name string, fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDeviceClosed
	}
	if err := d.faults.setters[name]; err != nil {
		return err
	}
	fn()
	return nil
}

func (d *simDevice) SetCenterFreq(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("center frequency %d Hz out of range", hz)
	}
	return d.set("SetCenterFreq", func() { d.centerFreq = hz })
}

func (d *simDevice) SetSampleRate(hz int) error {
	if hz < 225001 || hz > 3200000 {
		return fmt.Errorf("sample rate %d Hz out of range", hz)
	}
	return d.set("SetSampleRate", func() { d.sampleRate = hz })
}

func (d *simDevice) SetTunerGain(tenthsDb int) error {
	return d.set("SetTunerGain", func() { d.gain = nearestGain(simR820TGains, tenthsDb) })
}

func (d *simDevice) SetTunerGainMode(manual bool) error {
	return d.set("SetTunerGainMode", func() { d.manualGain = manual })
}

func (d *simDevice) SetAGCMode(on bool) error {
	return d.set("SetAGCMode", func() { d.agc = on })
}

func (d *simDevice) SetFreqCorrection(ppm int) error {
	return d.set("SetFreqCorrection", func() { d.ppm = ppm })
}

func (d *simDevice) SetOffsetTuning(on bool) error {
	return d.set("SetOffsetTuning", func() { d.offsetTuning = on })
}

func (d *simDevice) ResetBuffer() error {
	return d.set("ResetBuffer", func() { d.resets++ })
}

func (d *simDevice) ReadAsync(events chan<- DeviceEvent, bufNum, bufLen int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDeviceClosed
	}
	if d.streaming {
		return errAlreadyStreaming
	}
	if d.faults.startOnce != nil {
		err := d.faults.startOnce
		d.faults.startOnce = nil
		return err
	}
	if d.faults.start != nil {
		return d.faults.start
	}
	if bufLen <= 0 {
		bufLen = 16 * 32 * 512
	}
	bufLen &^= 1

	d.streaming = true
	d.starts++
	d.stop = make(chan struct{})
	endAfter := d.faults.endAfter
	d.faults.endAfter = 0
	if d.faults.endEmpty {
		endAfter = -1
	}
	go d.run(events, d.stop, bufLen, endAfter)
	return nil
}

// run paces frames at the configured interval, or in real time at the
// current sample rate when no interval is set. A positive endAfter ends the
// stream after that many frames; a negative one ends it at the first tick.
func (d *simDevice) run(events chan<- DeviceEvent, stop <-chan struct{}, bufLen, endAfter int) {
	interval := d.cfg.FrameInterval
	if interval <= 0 {
		d.mu.Lock()
		rate := d.sampleRate
		d.mu.Unlock()
		interval = time.Duration(float64(bufLen/2) / float64(rate) * float64(time.Second))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var endErr error
	frames := 0
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
		}

		if endAfter < 0 || (endAfter > 0 && frames >= endAfter) {
			endErr = fmt.Errorf("simulated device stopped after %d frames", frames)
			break loop
		}

		select {
		case events <- DeviceEvent{Frame: d.synthesise(bufLen)}:
		default:
			if DebugMode {
				log.Printf("DEBUG: Simulated device %d dropped a frame", d.index)
			}
		}
		frames++
	}

	d.mu.Lock()
	if d.stop == stop {
		d.streaming = false
	}
	d.mu.Unlock()
	events <- DeviceEvent{End: true, Err: endErr}
}

// synthesise renders one buffer of 8-bit offset-binary I/Q
func (d *simDevice) synthesise(bufLen int) []byte {
	d.mu.Lock()
	rate := float64(d.sampleRate)
	start := d.sample
	d.sample += uint64(bufLen / 2)
	d.mu.Unlock()

	buf := make([]byte, bufLen)
	for k := 0; k < bufLen/2; k++ {
		t := float64(start+uint64(k)) / rate
		i, q := 127.5, 127.5
		for _, tone := range d.cfg.Tones {
			phase := 2 * math.Pi * tone.OffsetHz * t
			i += tone.Amplitude * math.Cos(phase)
			q += tone.Amplitude * math.Sin(phase)
		}
		if d.cfg.Noise > 0 {
			i += d.cfg.Noise * d.rng.NormFloat64()
			q += d.cfg.Noise * d.rng.NormFloat64()
		}
		buf[2*k] = clampByte(i)
		buf[2*k+1] = clampByte(q)
	}
	return buf
}

func (d *simDevice) CancelAsync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.cancel != nil {
		return d.faults.cancel
	}
	if !d.streaming {
		return errNotStreaming
	}
	close(d.stop)
	d.stop = nil
	d.streaming = false
	return nil
}

func (d *simDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming {
		close(d.stop)
		d.stop = nil
		d.streaming = false
	}
	d.closed = true
	return nil
}

func clampByte(v float64) byte {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// nearestGain snaps a requested gain to the closest supported one
func nearestGain(gains []int, want int) int {
	best := gains[0]
	for _, g := range gains[1:] {
		if abs(g-want) < abs(best-want) {
			best = g
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
