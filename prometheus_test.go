package main

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	return NewPrometheusMetrics(reg, reg)
}

func TestMetricsRecordBufferAndDelivery(t *testing.T) {
	pm := newTestMetrics()
	b := NewStreamBuffer(1, pm)
	b.Push(markerTrace(1))
	b.Push(markerTrace(2))

	if v := testutil.ToFloat64(pm.bufferPushes.WithLabelValues("accepted")); v != 1 {
		t.Errorf("accepted pushes %v, want 1", v)
	}
	if v := testutil.ToFloat64(pm.bufferPushes.WithLabelValues("dropped")); v != 1 {
		t.Errorf("dropped pushes %v, want 1", v)
	}

	pm.RecordDelivery(true)
	pm.RecordDelivery(false)
	if v := testutil.ToFloat64(pm.deliveries.WithLabelValues("ok")); v != 1 {
		t.Errorf("ok deliveries %v, want 1", v)
	}

	pm.SetStreamPacing(0.5, 40*time.Millisecond)
	if v := testutil.ToFloat64(pm.drainDelaySeconds); v != 0.04 {
		t.Errorf("drain delay %v, want 0.04", v)
	}
}

func TestMetricsReceiverState(t *testing.T) {
	pm := newTestMetrics()
	pm.SetReceiverState(StateAcquiring)
	if v := testutil.ToFloat64(pm.receiverState); v != float64(StateAcquiring) {
		t.Errorf("receiver state gauge %v", v)
	}
	pm.RecordTraceSummary(TraceSummary{Points: 3, PeakMHz: 700.1, PeakDb: -20, MeanDb: -60})
	if v := testutil.ToFloat64(pm.latestPeakDb); v != -20 {
		t.Errorf("peak gauge %v", v)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var pm *PrometheusMetrics
	pm.RecordFrameProcessed(time.Millisecond)
	pm.RecordFrameDropped("error")
	pm.RecordRestart()
	pm.SetReceiverState(StateError)
	pm.RecordBufferPush(true)
	pm.RecordDelivery(true)
	pm.SetSubscriberAttached(true)
	pm.RecordWSConnection()
	pm.RecordWSDisconnect()
	pm.RecordWSRejected()
	if pm.Gatherer() != nil {
		t.Error("nil metrics returned a gatherer")
	}
}
