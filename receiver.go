package main

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/pimtector/dsp"
)

// ReceiverState is the acquisition controller state
type ReceiverState int32

const (
	StateIdle ReceiverState = iota
	StateOpening
	StateAcquiring
	StateStopping
	StateError
)

func (s ReceiverState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateAcquiring:
		return "acquiring"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// FrameHandler receives every finished trace, on the acquisition loop
type FrameHandler func(dsp.Trace)

// EndHandler is called once when an acquisition session ends. err is nil
// after Stop and describes the failure otherwise. It may call Stop or Start.
type EndHandler func(err error)

// eventQueueLen is how many device events may wait for the acquisition loop
const eventQueueLen = 4

// acquisition is one Start..Stop session and its event loop
type acquisition struct {
	onFrame   FrameHandler
	onEnd     EndHandler
	events    chan DeviceEvent
	quit      chan struct{}
	done      chan struct{}
	restarted bool
	frames    int // frames processed since the device stream (re)started
}

// Receiver is the acquisition controller. It owns the settings and the
// device, runs one event loop per acquisition session and drives every
// delivered frame through the DSP pipeline.
type Receiver struct {
	driver   Driver
	cfg      ReceiverConfig
	metrics  *PrometheusMetrics
	pipeline *dsp.Pipeline

	mu      sync.Mutex // device calls and state transitions
	dev     Device
	state   ReceiverState
	lastErr error
	loop    *acquisition

	settingsMu sync.RWMutex
	settings   dsp.Settings

	latest atomic.Pointer[dsp.Trace]
}

// NewReceiver creates an idle controller; the device is opened lazily
func NewReceiver(driver Driver, cfg ReceiverConfig, metrics *PrometheusMetrics) *Receiver {
	r := &Receiver{
		driver:   driver,
		cfg:      cfg,
		metrics:  metrics,
		pipeline: dsp.NewPipeline(),
		settings: cfg.Settings,
	}
	metrics.SetReceiverState(StateIdle)
	return r
}

// State returns the controller state and the error that caused the last
// transition to StateError
func (r *Receiver) State() (ReceiverState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.lastErr
}

// Acquiring reports whether a session is delivering frames
func (r *Receiver) Acquiring() bool {
	state, _ := r.State()
	return state == StateAcquiring
}

func (r *Receiver) setStateLocked(s ReceiverState) {
	r.state = s
	if s != StateError {
		r.lastErr = nil
	}
	r.metrics.SetReceiverState(s)
}

func (r *Receiver) failLocked(err error) error {
	r.state = StateError
	r.lastErr = err
	r.metrics.SetReceiverState(StateError)
	log.Printf("ERROR: Receiver: %v", err)
	return err
}

// Open enumerates and opens the configured device. It is a no-op once open.
func (r *Receiver) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked()
}

func (r *Receiver) openLocked() error {
	if r.dev != nil {
		return nil
	}
	if r.driver.DeviceCount() == 0 {
		return newReceiverError(CodeDeviceNotFound, "open device", ErrDeviceNotFound, nil)
	}
	dev, err := r.driver.Open(r.cfg.DeviceIndex)
	if err != nil {
		return newReceiverError(CodeOpenDevice, "open device", ErrDeviceOpenFailed, err)
	}
	r.dev = dev

	// Push the configured tuning to the hardware; failures leave the
	// device defaults in place
	s := r.Settings()
	if err := dev.SetSampleRate(int(s.Fs)); err != nil {
		log.Printf("Warning: Receiver: failed to set sample rate %.0f Hz: %v", s.Fs, err)
	}
	if err := dev.SetCenterFreq(int(s.Fo)); err != nil {
		log.Printf("Warning: Receiver: failed to set center frequency %.0f Hz: %v", s.Fo, err)
	}
	if err := dev.SetTunerGainMode(r.cfg.ManualGain); err != nil {
		log.Printf("Warning: Receiver: failed to set gain mode: %v", err)
	}
	if r.cfg.ManualGain {
		if err := dev.SetTunerGain(int(math.Round(r.cfg.Gain * 10))); err != nil {
			log.Printf("Warning: Receiver: failed to set gain %.1f dB: %v", r.cfg.Gain, err)
		}
	}
	if err := dev.SetAGCMode(r.cfg.AGC); err != nil {
		log.Printf("Warning: Receiver: failed to set AGC mode: %v", err)
	}
	if r.cfg.PPM != 0 {
		if err := dev.SetFreqCorrection(r.cfg.PPM); err != nil {
			log.Printf("Warning: Receiver: failed to set frequency correction %d ppm: %v", r.cfg.PPM, err)
		}
	}

	info, _ := dev.Info()
	log.Printf("Receiver: opened %s %s (serial %s)", info.Vendor, info.Product, info.Serial)
	return nil
}

// releaseDeviceLocked closes a device whose stream failed so the next Start
// opens a fresh one
func (r *Receiver) releaseDeviceLocked() {
	if r.dev == nil {
		return
	}
	if err := r.dev.Close(); err != nil {
		log.Printf("Warning: Receiver: closing failed device: %v", err)
	}
	r.dev = nil
}

// Close stops any acquisition and releases the device
func (r *Receiver) Close() error {
	stopErr := r.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev == nil {
		return stopErr
	}
	err := r.dev.Close()
	r.dev = nil
	if err != nil {
		return err
	}
	return stopErr
}

// Start opens the device if needed and begins asynchronous acquisition.
// onFrame receives each averaged trace; onEnd is called once when the
// session ends. Start while already acquiring is a no-op.
func (r *Receiver) Start(onFrame FrameHandler, onEnd EndHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateAcquiring:
		return nil
	case StateOpening, StateStopping:
		return fmt.Errorf("receiver is %s", r.state)
	}

	r.setStateLocked(StateOpening)
	if err := r.openLocked(); err != nil {
		return r.failLocked(err)
	}

	acq := &acquisition{
		onFrame: onFrame,
		onEnd:   onEnd,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := r.startStreamLocked(acq); err != nil {
		r.releaseDeviceLocked()
		return r.failLocked(newReceiverError(CodeStartAcquisition, "start acquisition", ErrAcquisitionStartFailed, err))
	}
	r.pipeline.Reset()
	r.loop = acq
	r.setStateLocked(StateAcquiring)
	go r.run(acq)

	log.Printf("Receiver: acquisition started")
	return nil
}

// startStreamLocked asks the device for frames of one acquisition unit
func (r *Receiver) startStreamLocked(acq *acquisition) error {
	events := make(chan DeviceEvent, eventQueueLen)
	bufLen := 2 * r.Settings().N
	if err := r.dev.ReadAsync(events, r.cfg.BufferCount, bufLen); err != nil {
		return err
	}
	acq.events = events
	acq.frames = 0
	return nil
}

// Stop cancels acquisition and waits for the event loop to finish. It is a
// no-op unless acquiring and may be called from an EndHandler.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	acq := r.loop
	if r.state != StateAcquiring || acq == nil {
		r.mu.Unlock()
		return nil
	}
	r.setStateLocked(StateStopping)
	r.loop = nil
	cancelErr := r.dev.CancelAsync()
	close(acq.quit)
	r.mu.Unlock()

	<-acq.done

	r.mu.Lock()
	defer r.mu.Unlock()
	if cancelErr != nil {
		return r.failLocked(newReceiverError(CodeStopAcquisition, "stop acquisition", ErrAcquisitionStopFailed, cancelErr))
	}
	r.setStateLocked(StateIdle)
	log.Printf("Receiver: acquisition stopped")
	return nil
}

// run is the acquisition event loop. Frames are processed one at a time,
// in delivery order.
func (r *Receiver) run(acq *acquisition) {
	var endErr error
	events := acq.events

loop:
	for {
		select {
		case <-acq.quit:
			go drainEvents(events)
			break loop
		case ev := <-events:
			if !ev.End {
				r.handleFrame(acq, ev.Frame)
				continue
			}
			restarted, err := r.handleEnd(acq, ev.Err)
			if !restarted {
				endErr = err
				break loop
			}
			events = acq.events
		}
	}

	close(acq.done)
	if acq.onEnd != nil {
		acq.onEnd(endErr)
	}
}

// drainEvents discards a cancelled stream's events up to its End
func drainEvents(events <-chan DeviceEvent) {
	for ev := range events {
		if ev.End {
			return
		}
	}
}

// handleFrame runs one frame through the pipeline. A failing frame is
// logged and dropped; it never ends the session.
func (r *Receiver) handleFrame(acq *acquisition, frame []byte) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Printf("ERROR: Receiver: frame processing panicked: %v", p)
			r.metrics.RecordFrameDropped("panic")
		}
	}()

	trace, err := r.pipeline.Process(frame, r.Settings())
	if err != nil {
		log.Printf("ERROR: Receiver: dropping frame: %v", err)
		r.metrics.RecordFrameDropped("error")
		return
	}
	acq.frames++
	r.latest.Store(&trace)
	r.metrics.RecordFrameProcessed(time.Since(start))
	r.metrics.RecordTraceSummary(SummarizeTrace(trace))

	if acq.onFrame != nil {
		acq.onFrame(trace)
	}
}

// handleEnd reacts to the end of the device stream. An end the controller
// did not ask for gets one restart; a restarted stream that ends before
// producing a frame puts the controller in StateError. A device that gives
// up is closed, and the next Start reopens it.
func (r *Receiver) handleEnd(acq *acquisition, cause error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loop != acq {
		// Stop is in progress
		return false, nil
	}

	if cause == nil {
		cause = errors.New("device ended the stream")
	}
	endErr := fmt.Errorf("%w: %v", ErrStreamEndedUnexpectedly, cause)
	log.Printf("Warning: Receiver: data stream stopped while acquiring: %v", cause)

	if acq.restarted && acq.frames == 0 {
		r.loop = nil
		r.releaseDeviceLocked()
		return false, r.failLocked(newReceiverError(CodeAcquisitionRestart, "restart acquisition", ErrAcquisitionFailed, endErr))
	}

	log.Printf("Receiver: attempting to restart data stream")
	acq.restarted = true
	if err := r.dev.ResetBuffer(); err != nil {
		log.Printf("Warning: Receiver: failed to reset device buffer: %v", err)
	}
	if err := r.startStreamLocked(acq); err != nil {
		r.loop = nil
		r.releaseDeviceLocked()
		return false, r.failLocked(newReceiverError(CodeStartAcquisition, "restart acquisition", ErrAcquisitionFailed, err))
	}
	r.metrics.RecordRestart()
	return true, nil
}

// Latest returns the most recent trace
func (r *Receiver) Latest() (dsp.Trace, bool) {
	t := r.latest.Load()
	if t == nil {
		return nil, false
	}
	return *t, true
}

// TraceSummary condenses a trace for telemetry
type TraceSummary struct {
	Points   int     `json:"points"`
	StartMHz float64 `json:"start_mhz"`
	StopMHz  float64 `json:"stop_mhz"`
	PeakMHz  float64 `json:"peak_mhz"`
	PeakDb   float64 `json:"peak_db"`
	MeanDb   float64 `json:"mean_db"`
}

// SummarizeTrace returns the extent, peak and mean power of t
func SummarizeTrace(t dsp.Trace) TraceSummary {
	sum := TraceSummary{Points: len(t)}
	peak, ok := t.Peak()
	if !ok {
		return sum
	}
	sum.StartMHz = t[0].FrequencyMHz
	sum.StopMHz = t[len(t)-1].FrequencyMHz
	sum.PeakMHz = peak.FrequencyMHz
	sum.PeakDb = peak.PowerDb
	sum.MeanDb = t.MeanPower()
	return sum
}

// ResetBuffer resets the device sample buffer and the trace history
func (r *Receiver) ResetBuffer() error {
	r.pipeline.Reset()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openLocked(); err != nil {
		return err
	}
	if err := r.dev.ResetBuffer(); err != nil {
		return newReceiverError(CodeResetBuffer, "reset buffer", ErrSettingRejected, err)
	}
	return nil
}

// Settings returns a copy of the current settings
func (r *Receiver) Settings() dsp.Settings {
	r.settingsMu.RLock()
	defer r.settingsMu.RUnlock()
	return r.settings
}

// UpdateSettings applies fn to a copy of the settings and stores it if the
// result validates
func (r *Receiver) UpdateSettings(fn func(*dsp.Settings)) (dsp.Settings, error) {
	r.settingsMu.Lock()
	defer r.settingsMu.Unlock()

	s := r.settings
	fn(&s)
	if err := s.Validate(); err != nil {
		return r.settings, fmt.Errorf("%w: %v", ErrSettingRejected, err)
	}
	r.settings = s
	return s, nil
}

// withDevice runs fn with the device open
func (r *Receiver) withDevice(fn func(Device) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openLocked(); err != nil {
		return err
	}
	return fn(r.dev)
}

// Info returns the USB identification of the receiver
func (r *Receiver) Info() (DeviceInfo, error) {
	var info DeviceInfo
	err := r.withDevice(func(dev Device) error {
		var err error
		if info, err = dev.Info(); err != nil {
			return newReceiverError(CodeDeviceInfo, "read device info", ErrSettingUnavailable, err)
		}
		return nil
	})
	return info, err
}

// TunerGains returns the gains the tuner supports, dB
func (r *Receiver) TunerGains() ([]float64, error) {
	var gains []float64
	err := r.withDevice(func(dev Device) error {
		g, err := dev.TunerGains()
		if err != nil {
			return newReceiverError(CodeTunerGains, "read tuner gains", ErrSettingUnavailable, err)
		}
		gains = make([]float64, len(g))
		for i, v := range g {
			gains[i] = float64(v) / 10
		}
		return nil
	})
	return gains, err
}

// Gain returns the tuner gain in dB
func (r *Receiver) Gain() (float64, error) {
	var gain float64
	err := r.withDevice(func(dev Device) error {
		g := dev.TunerGain()
		if g == 0 {
			return newReceiverError(CodeGetGain, "read gain", ErrSettingUnavailable, nil)
		}
		gain = float64(g) / 10
		return nil
	})
	return gain, err
}

// SetGain sets the tuner gain in dB; the tuner must be in manual gain mode
func (r *Receiver) SetGain(db float64) error {
	return r.withDevice(func(dev Device) error {
		if err := dev.SetTunerGain(int(math.Round(db * 10))); err != nil {
			return newReceiverError(CodeSetGain, "set gain", ErrSettingRejected, err)
		}
		return nil
	})
}

// SetGainMode selects manual (true) or automatic tuner gain
func (r *Receiver) SetGainMode(manual bool) error {
	return r.withDevice(func(dev Device) error {
		if err := dev.SetTunerGainMode(manual); err != nil {
			return newReceiverError(CodeSetGainMode, "set gain mode", ErrSettingRejected, err)
		}
		return nil
	})
}

// SetAGC switches the demodulator AGC
func (r *Receiver) SetAGC(on bool) error {
	return r.withDevice(func(dev Device) error {
		if err := dev.SetAGCMode(on); err != nil {
			return newReceiverError(CodeSetAGC, "set AGC mode", ErrSettingRejected, err)
		}
		return nil
	})
}

// FreqCorrection returns the frequency correction in ppm. Zero is a valid
// correction, so it is never reported as unavailable.
func (r *Receiver) FreqCorrection() (int, error) {
	var ppm int
	err := r.withDevice(func(dev Device) error {
		ppm = dev.FreqCorrection()
		return nil
	})
	return ppm, err
}

// SetFreqCorrection sets the frequency correction in ppm
func (r *Receiver) SetFreqCorrection(ppm int) error {
	return r.withDevice(func(dev Device) error {
		if err := dev.SetFreqCorrection(ppm); err != nil {
			return newReceiverError(CodeSetFreqCorrection, "set frequency correction", ErrSettingRejected, err)
		}
		return nil
	})
}

// Frequency reads the center frequency from the device, Hz
func (r *Receiver) Frequency() (int, error) {
	var hz int
	err := r.withDevice(func(dev Device) error {
		hz = dev.CenterFreq()
		if hz == 0 {
			return newReceiverError(CodeGetCenterFreq, "read center frequency", ErrSettingUnavailable, nil)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.setFo(float64(hz))
	return hz, nil
}

// SetFrequency tunes the receiver, Hz
func (r *Receiver) SetFrequency(hz int) error {
	err := r.withDevice(func(dev Device) error {
		if hz <= 0 {
			return newReceiverError(CodeSetCenterFreq, "set center frequency", ErrSettingRejected, fmt.Errorf("invalid frequency %d Hz", hz))
		}
		if err := dev.SetCenterFreq(hz); err != nil {
			return newReceiverError(CodeSetCenterFreq, "set center frequency", ErrSettingRejected, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.setFo(float64(hz))
	return nil
}

func (r *Receiver) setFo(fo float64) {
	r.settingsMu.Lock()
	r.settings.Fo = fo
	r.settingsMu.Unlock()
}

// SampleRate reads the ADC sample rate from the device, Hz
func (r *Receiver) SampleRate() (int, error) {
	var hz int
	err := r.withDevice(func(dev Device) error {
		hz = dev.SampleRate()
		if hz == 0 {
			return newReceiverError(CodeGetSampleRate, "read sample rate", ErrSettingUnavailable, nil)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.setFs(float64(hz))
	return hz, nil
}

// SetSampleRate sets the ADC sample rate, Hz
func (r *Receiver) SetSampleRate(hz int) error {
	err := r.withDevice(func(dev Device) error {
		if hz <= 0 {
			return newReceiverError(CodeSetSampleRate, "set sample rate", ErrSettingRejected, fmt.Errorf("invalid sample rate %d Hz", hz))
		}
		if err := dev.SetSampleRate(hz); err != nil {
			return newReceiverError(CodeSetSampleRate, "set sample rate", ErrSettingRejected, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.setFs(float64(hz))
	return nil
}

func (r *Receiver) setFs(fs float64) {
	r.settingsMu.Lock()
	r.settings.Fs = fs
	r.settingsMu.Unlock()
}

// OffsetTuning reports whether offset tuning is enabled
func (r *Receiver) OffsetTuning() (bool, error) {
	var on bool
	err := r.withDevice(func(dev Device) error {
		var err error
		if on, err = dev.OffsetTuning(); err != nil {
			return newReceiverError(CodeGetOffsetTuning, "read offset tuning", ErrSettingUnavailable, err)
		}
		return nil
	})
	return on, err
}

// SetOffsetTuning switches offset tuning
func (r *Receiver) SetOffsetTuning(on bool) error {
	return r.withDevice(func(dev Device) error {
		if err := dev.SetOffsetTuning(on); err != nil {
			return newReceiverError(CodeSetOffsetTuning, "set offset tuning", ErrSettingRejected, err)
		}
		return nil
	})
}

// Span returns the displayed bandwidth, Fs/decimate, Hz
func (r *Receiver) Span() float64 {
	return r.Settings().Span()
}

// SetSpan picks the decimation whose span is closest to hz and returns the
// resulting span
func (r *Receiver) SetSpan(hz float64) (float64, error) {
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return r.Span(), fmt.Errorf("%w: invalid span %v Hz", ErrSettingRejected, hz)
	}
	s, err := r.UpdateSettings(func(s *dsp.Settings) {
		s.Decimate = dsp.DecimationForSpan(s.Fs, hz)
	})
	return s.Span(), err
}

// SetDecimate snaps d to the nearest supported decimation and stores it
func (r *Receiver) SetDecimate(d int) (int, error) {
	s, err := r.UpdateSettings(func(s *dsp.Settings) {
		s.Decimate = dsp.SnapDecimation(d)
	})
	return s.Decimate, err
}

// Points is the length of each trace
func (r *Receiver) Points() int {
	return r.Settings().Points()
}
