package main

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwsl/pimtector/dsp"
)

func testReceiverConfig() ReceiverConfig {
	s := dsp.DefaultSettings()
	s.N = 2048
	s.ChunkDiv = 1
	s.Blocks = 2
	s.Decimate = 4
	s.Averages = 2
	return ReceiverConfig{
		BufferCount: 4,
		Settings:    s,
		Sim: SimConfig{
			Devices:       1,
			FrameInterval: 2 * time.Millisecond,
			Noise:         1,
			Tones:         []SimToneConfig{{OffsetHz: 25e3, Amplitude: 40}},
		},
	}
}

func newTestReceiver(t *testing.T, cfg ReceiverConfig, faults simFaults) (*Receiver, *simDriver) {
	t.Helper()
	drv := newSimDriver(cfg.Sim)
	drv.faults = faults
	r := NewReceiver(drv, cfg, nil)
	t.Cleanup(func() { r.Close() })
	return r, drv
}

func lastOpened(drv *simDriver) *simDevice {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	if len(drv.opened) == 0 {
		return nil
	}
	return drv.opened[len(drv.opened)-1]
}

func (d *simDevice) startCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// traceSink counts traces handed to a FrameHandler
type traceSink struct {
	mu     sync.Mutex
	traces []dsp.Trace
}

func (s *traceSink) onFrame(t dsp.Trace) {
	s.mu.Lock()
	s.traces = append(s.traces, t)
	s.mu.Unlock()
}

func (s *traceSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.traces)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitEnd(t *testing.T, ends <-chan error) error {
	t.Helper()
	select {
	case err := <-ends:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the session to end")
		return nil
	}
}

func TestReceiverStartDeliversTraces(t *testing.T) {
	cfg := testReceiverConfig()
	r, _ := newTestReceiver(t, cfg, simFaults{})

	var sink traceSink
	ends := make(chan error, 1)
	if err := r.Start(sink.onFrame, func(err error) { ends <- err }); err != nil {
		t.Fatal(err)
	}
	if state, _ := r.State(); state != StateAcquiring {
		t.Fatalf("state %v after Start, want acquiring", state)
	}

	waitFor(t, "three traces", func() bool { return sink.count() >= 3 })

	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := waitEnd(t, ends); err != nil {
		t.Errorf("session ended with %v after Stop, want nil", err)
	}
	if state, _ := r.State(); state != StateIdle {
		t.Errorf("state %v after Stop, want idle", state)
	}

	want := cfg.Settings.Points()
	sink.mu.Lock()
	for i, tr := range sink.traces {
		if len(tr) != want {
			t.Errorf("trace %d has %d points, want %d", i, len(tr), want)
		}
	}
	sink.mu.Unlock()

	latest, ok := r.Latest()
	if !ok || len(latest) != want {
		t.Errorf("Latest returned %d points (ok=%v), want %d", len(latest), ok, want)
	}
}

func TestReceiverStartIsIdempotent(t *testing.T) {
	r, drv := newTestReceiver(t, testReceiverConfig(), simFaults{})

	var sink traceSink
	if err := r.Start(sink.onFrame, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(sink.onFrame, nil); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := lastOpened(drv).startCount(); n != 1 {
		t.Errorf("device stream started %d times, want 1", n)
	}
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("Stop while idle: %v", err)
	}
}

func TestReceiverOpenErrors(t *testing.T) {
	tests := []struct {
		name    string
		devices int
		faults  simFaults
		code    int
		kind    error
	}{
		{"no device", 0, simFaults{}, CodeDeviceNotFound, ErrDeviceNotFound},
		{"open fails", 1, simFaults{open: errors.New("usb busy")}, CodeOpenDevice, ErrDeviceOpenFailed},
		{"stream fails", 1, simFaults{start: errors.New("no endpoint")}, CodeStartAcquisition, ErrAcquisitionStartFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testReceiverConfig()
			cfg.Sim.Devices = tt.devices
			r, _ := newTestReceiver(t, cfg, tt.faults)

			err := r.Start(nil, nil)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("Start error %v, want %v", err, tt.kind)
			}
			if code := errorCode(err); code != tt.code {
				t.Errorf("error code %d, want %d", code, tt.code)
			}
			state, lastErr := r.State()
			if state != StateError || lastErr != err {
				t.Errorf("state %v (%v), want error state holding the Start error", state, lastErr)
			}
		})
	}
}

func TestReceiverRestartsAfterUnexpectedEnd(t *testing.T) {
	r, drv := newTestReceiver(t, testReceiverConfig(), simFaults{endAfter: 2})

	var sink traceSink
	ends := make(chan error, 1)
	if err := r.Start(sink.onFrame, func(err error) { ends <- err }); err != nil {
		t.Fatal(err)
	}
	dev := lastOpened(drv)
	waitFor(t, "stream restart", func() bool { return dev.startCount() == 2 })
	waitFor(t, "traces after restart", func() bool { return sink.count() >= 4 })

	if state, _ := r.State(); state != StateAcquiring {
		t.Fatalf("state %v after restart, want acquiring", state)
	}
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := waitEnd(t, ends); err != nil {
		t.Errorf("session ended with %v, want nil", err)
	}
}

func TestReceiverGivesUpWhenRestartProducesNothing(t *testing.T) {
	r, drv := newTestReceiver(t, testReceiverConfig(), simFaults{endAfter: 2})

	var once sync.Once
	onFrame := func(dsp.Trace) {
		once.Do(func() {
			dev := lastOpened(drv)
			dev.mu.Lock()
			dev.faults.endEmpty = true
			dev.mu.Unlock()
		})
	}
	ends := make(chan error, 1)
	if err := r.Start(onFrame, func(err error) { ends <- err }); err != nil {
		t.Fatal(err)
	}

	err := waitEnd(t, ends)
	if !errors.Is(err, ErrAcquisitionFailed) || !errors.Is(err, ErrStreamEndedUnexpectedly) {
		t.Fatalf("session ended with %v, want acquisition failure after an unexpected end", err)
	}
	if code := errorCode(err); code != CodeAcquisitionRestart {
		t.Errorf("error code %d, want %d", code, CodeAcquisitionRestart)
	}
	if state, _ := r.State(); state != StateError {
		t.Errorf("state %v, want error", state)
	}
}

func TestReceiverRestartFailure(t *testing.T) {
	r, drv := newTestReceiver(t, testReceiverConfig(), simFaults{endAfter: 2})

	var once sync.Once
	onFrame := func(dsp.Trace) {
		once.Do(func() {
			dev := lastOpened(drv)
			dev.mu.Lock()
			dev.faults.start = errors.New("usb gone")
			dev.mu.Unlock()
		})
	}
	ends := make(chan error, 1)
	if err := r.Start(onFrame, func(err error) { ends <- err }); err != nil {
		t.Fatal(err)
	}

	err := waitEnd(t, ends)
	if !errors.Is(err, ErrAcquisitionFailed) {
		t.Fatalf("session ended with %v, want acquisition failure", err)
	}
	if code := errorCode(err); code != CodeStartAcquisition {
		t.Errorf("error code %d, want %d", code, CodeStartAcquisition)
	}

	// The failed device is released and Start from the error state opens
	// a fresh one
	failed := lastOpened(drv)
	failed.mu.Lock()
	closed := failed.closed
	failed.mu.Unlock()
	if !closed {
		t.Error("device left open after the restart failed")
	}
	if err := r.Start(nil, nil); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	if state, _ := r.State(); state != StateAcquiring {
		t.Errorf("state %v, want acquiring", state)
	}
	if lastOpened(drv) == failed {
		t.Error("Start after failure reused the failed device")
	}
}

func TestReceiverStopFromEndHandler(t *testing.T) {
	t.Run("stop", func(t *testing.T) {
		r, _ := newTestReceiver(t, testReceiverConfig(), simFaults{})

		stopped := make(chan error, 1)
		if err := r.Start(nil, func(error) { stopped <- r.Stop() }); err != nil {
			t.Fatal(err)
		}
		if err := r.Stop(); err != nil {
			t.Fatal(err)
		}
		if err := waitEnd(t, stopped); err != nil {
			t.Errorf("Stop inside the end handler = %v, want nil", err)
		}
		if state, _ := r.State(); state != StateIdle {
			t.Errorf("state %v, want idle", state)
		}
	})

	t.Run("restart failure", func(t *testing.T) {
		r, drv := newTestReceiver(t, testReceiverConfig(), simFaults{endAfter: 2})

		var once sync.Once
		onFrame := func(dsp.Trace) {
			once.Do(func() {
				dev := lastOpened(drv)
				dev.mu.Lock()
				dev.faults.start = errors.New("usb gone")
				dev.mu.Unlock()
			})
		}
		stopped := make(chan error, 1)
		if err := r.Start(onFrame, func(error) { stopped <- r.Stop() }); err != nil {
			t.Fatal(err)
		}
		if err := waitEnd(t, stopped); err != nil {
			t.Errorf("Stop inside the end handler = %v, want nil", err)
		}
		if state, _ := r.State(); state != StateError {
			t.Errorf("state %v, want error", state)
		}
	})
}

func TestReceiverStopFailure(t *testing.T) {
	r, _ := newTestReceiver(t, testReceiverConfig(), simFaults{cancel: errors.New("transfer stuck")})

	if err := r.Start(nil, nil); err != nil {
		t.Fatal(err)
	}
	err := r.Stop()
	if !errors.Is(err, ErrAcquisitionStopFailed) {
		t.Fatalf("Stop error %v, want stop failure", err)
	}
	if code := errorCode(err); code != CodeStopAcquisition {
		t.Errorf("error code %d, want %d", code, CodeStopAcquisition)
	}
	if state, _ := r.State(); state != StateError {
		t.Errorf("state %v, want error", state)
	}
}

func TestReceiverSettingErrors(t *testing.T) {
	rejected := errors.New("rejected by tuner")
	faults := simFaults{
		getters: true,
		setters: map[string]error{
			"SetCenterFreq":     rejected,
			"SetSampleRate":     rejected,
			"SetTunerGain":      rejected,
			"SetTunerGainMode":  rejected,
			"SetAGCMode":        rejected,
			"SetFreqCorrection": rejected,
			"SetOffsetTuning":   rejected,
			"ResetBuffer":       rejected,
		},
	}
	r, _ := newTestReceiver(t, testReceiverConfig(), faults)

	setters := []struct {
		name string
		code int
		call func() error
	}{
		{"frequency", CodeSetCenterFreq, func() error { return r.SetFrequency(725000000) }},
		{"sample rate", CodeSetSampleRate, func() error { return r.SetSampleRate(2048000) }},
		{"gain", CodeSetGain, func() error { return r.SetGain(20) }},
		{"gain mode", CodeSetGainMode, func() error { return r.SetGainMode(true) }},
		{"agc", CodeSetAGC, func() error { return r.SetAGC(true) }},
		{"freq correction", CodeSetFreqCorrection, func() error { return r.SetFreqCorrection(12) }},
		{"offset tuning", CodeSetOffsetTuning, func() error { return r.SetOffsetTuning(true) }},
		{"reset buffer", CodeResetBuffer, r.ResetBuffer},
	}
	for _, tt := range setters {
		err := tt.call()
		if !errors.Is(err, ErrSettingRejected) || !errors.Is(err, rejected) {
			t.Errorf("%s: error %v, want rejected setting", tt.name, err)
		}
		if code := errorCode(err); code != tt.code {
			t.Errorf("%s: code %d, want %d", tt.name, code, tt.code)
		}
	}

	getters := []struct {
		name string
		code int
		call func() error
	}{
		{"frequency", CodeGetCenterFreq, func() error { _, err := r.Frequency(); return err }},
		{"sample rate", CodeGetSampleRate, func() error { _, err := r.SampleRate(); return err }},
		{"gain", CodeGetGain, func() error { _, err := r.Gain(); return err }},
		{"offset tuning", CodeGetOffsetTuning, func() error { _, err := r.OffsetTuning(); return err }},
	}
	for _, tt := range getters {
		err := tt.call()
		if !errors.Is(err, ErrSettingUnavailable) {
			t.Errorf("%s: error %v, want unavailable setting", tt.name, err)
		}
		if code := errorCode(err); code != tt.code {
			t.Errorf("%s: code %d, want %d", tt.name, code, tt.code)
		}
	}

	if ppm, err := r.FreqCorrection(); err != nil || ppm != 0 {
		t.Errorf("FreqCorrection = %d, %v; want 0, nil", ppm, err)
	}

	// A rejected tune leaves the stored centre frequency alone
	if fo := r.Settings().Fo; fo != testReceiverConfig().Settings.Fo {
		t.Errorf("Fo changed to %v after a rejected tune", fo)
	}
}

func TestReceiverTuning(t *testing.T) {
	r, _ := newTestReceiver(t, testReceiverConfig(), simFaults{})

	if err := r.SetFrequency(725000000); err != nil {
		t.Fatal(err)
	}
	if fo := r.Settings().Fo; fo != 725e6 {
		t.Errorf("Fo = %v, want 725e6", fo)
	}
	if hz, err := r.Frequency(); err != nil || hz != 725000000 {
		t.Errorf("Frequency = %d, %v", hz, err)
	}

	if err := r.SetSampleRate(2048000); err != nil {
		t.Fatal(err)
	}
	if fs := r.Settings().Fs; fs != 2.048e6 {
		t.Errorf("Fs = %v, want 2.048e6", fs)
	}
	if err := r.SetSampleRate(10); !errors.Is(err, ErrSettingRejected) {
		t.Errorf("SetSampleRate(10) = %v, want rejected", err)
	}

	gains, err := r.TunerGains()
	if err != nil {
		t.Fatal(err)
	}
	if len(gains) != len(simR820TGains) || gains[0] != 0 || gains[len(gains)-1] != 49.6 {
		t.Errorf("unexpected gain table %v", gains)
	}
	if err := r.SetGain(20); err != nil {
		t.Fatal(err)
	}
	if g, err := r.Gain(); err != nil || g != 19.7 {
		t.Errorf("Gain = %v, %v; want the nearest supported 19.7 dB", g, err)
	}

	info, err := r.Info()
	if err != nil || info.Serial != "SIM00000" {
		t.Errorf("Info = %+v, %v", info, err)
	}
}

func TestReceiverSpanAndSettings(t *testing.T) {
	r, _ := newTestReceiver(t, testReceiverConfig(), simFaults{})

	span, err := r.SetSpan(150e3)
	if err != nil {
		t.Fatal(err)
	}
	if span != 160e3 || r.Settings().Decimate != 16 {
		t.Errorf("SetSpan(150k) = %v with decimate %d, want 160k and 16", span, r.Settings().Decimate)
	}
	if _, err := r.SetSpan(-1); !errors.Is(err, ErrSettingRejected) {
		t.Errorf("SetSpan(-1) = %v, want rejected", err)
	}

	if d, err := r.SetDecimate(5); err != nil || d != 4 {
		t.Errorf("SetDecimate(5) = %d, %v; want 4", d, err)
	}
	if p := r.Points(); p != 2048/2/4 {
		t.Errorf("Points = %d, want %d", p, 2048/2/4)
	}

	before := r.Settings()
	if _, err := r.UpdateSettings(func(s *dsp.Settings) { s.Averages = 0 }); !errors.Is(err, ErrSettingRejected) {
		t.Errorf("averages 0 accepted: %v", err)
	}
	if r.Settings() != before {
		t.Errorf("rejected update changed the settings")
	}
}

func TestSummarizeTrace(t *testing.T) {
	tr := dsp.Trace{{FrequencyMHz: 99.9, PowerDb: -80}, {FrequencyMHz: 100, PowerDb: -20}, {FrequencyMHz: 100.1, PowerDb: -80}}
	sum := SummarizeTrace(tr)
	if sum.Points != 3 || sum.StartMHz != 99.9 || sum.StopMHz != 100.1 || sum.PeakMHz != 100 || sum.PeakDb != -20 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if sum.MeanDb != -60 {
		t.Errorf("mean %v, want -60", sum.MeanDb)
	}
	if empty := SummarizeTrace(nil); empty.Points != 0 || empty.PeakDb != 0 {
		t.Errorf("empty summary %+v", empty)
	}
}
