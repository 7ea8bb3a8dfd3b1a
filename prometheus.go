package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/shirou/gopsutil/v3/cpu"
)

// PrometheusMetrics holds all Prometheus metric collectors for the receiver,
// the trace stream and the host. All methods are safe on a nil receiver so
// components run unchanged with metrics disabled.
type PrometheusMetrics struct {
	gatherer prometheus.Gatherer

	// Acquisition
	framesProcessed prometheus.Counter
	framesDropped   *prometheus.CounterVec // by reason
	frameDuration   prometheus.Histogram
	streamRestarts  prometheus.Counter
	receiverState   prometheus.Gauge
	lastTraceUnix   prometheus.Gauge
	latestPeakDb    prometheus.Gauge
	latestMeanDb    prometheus.Gauge
	latestPeakMHz   prometheus.Gauge

	// Stream buffer and drain loop
	bufferPushes       *prometheus.CounterVec // accepted / dropped
	bufferFillRatio    prometheus.Gauge
	drainDelaySeconds  prometheus.Gauge
	deliveries         *prometheus.CounterVec // ok / error
	subscriberAttached prometheus.Gauge

	// WebSocket
	wsConnectionsTotal  prometheus.Counter
	wsActiveConnections prometheus.Gauge
	wsRejectedTotal     prometheus.Counter

	// Host
	cpuPercent       prometheus.Gauge
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge

	// Pushgateway
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
}

// NewPrometheusMetrics registers every collector with reg. g is used by the
// Pushgateway worker and the MQTT publisher to read the values back.
func NewPrometheusMetrics(reg prometheus.Registerer, g prometheus.Gatherer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		gatherer: g,

		framesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "pimtector_frames_processed_total",
			Help: "Raw frames turned into traces",
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pimtector_frames_dropped_total",
			Help: "Raw frames dropped by the acquisition loop",
		}, []string{"reason"}),
		frameDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pimtector_frame_processing_seconds",
			Help:    "Time to run one frame through the DSP pipeline",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		streamRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "pimtector_stream_restarts_total",
			Help: "Automatic restarts after the device stream ended unexpectedly",
		}),
		receiverState: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_receiver_state",
			Help: "Acquisition controller state (0 idle, 1 opening, 2 acquiring, 3 stopping, 4 error)",
		}),
		lastTraceUnix: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_last_trace_timestamp_seconds",
			Help: "Unix time of the most recent trace",
		}),
		latestPeakDb: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_trace_peak_db",
			Help: "Peak power of the most recent trace, dB",
		}),
		latestMeanDb: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_trace_mean_db",
			Help: "Mean power of the most recent trace, dB",
		}),
		latestPeakMHz: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_trace_peak_frequency_mhz",
			Help: "Frequency of the peak of the most recent trace, MHz",
		}),

		bufferPushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pimtector_buffer_pushes_total",
			Help: "Traces offered to the stream buffer",
		}, []string{"result"}),
		bufferFillRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_buffer_fill_ratio",
			Help: "Stream buffer length over capacity",
		}),
		drainDelaySeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_drain_delay_seconds",
			Help: "Current delay of the adaptive drain loop",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pimtector_deliveries_total",
			Help: "Traces handed to the subscriber",
		}, []string{"result"}),
		subscriberAttached: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_subscriber_attached",
			Help: "1 while a subscriber session is attached",
		}),

		wsConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pimtector_ws_connections_total",
			Help: "WebSocket stream connections accepted",
		}),
		wsActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_ws_active_connections",
			Help: "Open WebSocket stream connections",
		}),
		wsRejectedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pimtector_ws_rejected_total",
			Help: "WebSocket connections rejected because a subscriber was attached",
		}),

		cpuPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_cpu_percent",
			Help: "Host CPU utilisation",
		}),
		goroutineCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAllocBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "pimtector_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		}),

		pushgatewayPushesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pimtector_pushgateway_pushes_total",
			Help: "Pushgateway push attempts",
		}),
		pushgatewayFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pimtector_pushgateway_failures_total",
			Help: "Failed Pushgateway pushes",
		}),
	}
}

// Gatherer returns the registry the metrics were registered with
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	if pm == nil {
		return nil
	}
	return pm.gatherer
}

func (pm *PrometheusMetrics) RecordFrameProcessed(d time.Duration) {
	if pm == nil {
		return
	}
	pm.framesProcessed.Inc()
	pm.frameDuration.Observe(d.Seconds())
	pm.lastTraceUnix.Set(float64(time.Now().Unix()))
}

func (pm *PrometheusMetrics) RecordFrameDropped(reason string) {
	if pm == nil {
		return
	}
	pm.framesDropped.WithLabelValues(reason).Inc()
}

func (pm *PrometheusMetrics) RecordRestart() {
	if pm == nil {
		return
	}
	pm.streamRestarts.Inc()
}

func (pm *PrometheusMetrics) SetReceiverState(s ReceiverState) {
	if pm == nil {
		return
	}
	pm.receiverState.Set(float64(s))
}

// RecordTraceSummary exports the peak and mean of the latest trace
func (pm *PrometheusMetrics) RecordTraceSummary(sum TraceSummary) {
	if pm == nil {
		return
	}
	pm.latestPeakDb.Set(sum.PeakDb)
	pm.latestPeakMHz.Set(sum.PeakMHz)
	pm.latestMeanDb.Set(sum.MeanDb)
}

func (pm *PrometheusMetrics) RecordBufferPush(accepted bool) {
	if pm == nil {
		return
	}
	if accepted {
		pm.bufferPushes.WithLabelValues("accepted").Inc()
	} else {
		pm.bufferPushes.WithLabelValues("dropped").Inc()
	}
}

func (pm *PrometheusMetrics) SetStreamPacing(fill float64, delay time.Duration) {
	if pm == nil {
		return
	}
	pm.bufferFillRatio.Set(fill)
	pm.drainDelaySeconds.Set(delay.Seconds())
}

func (pm *PrometheusMetrics) RecordDelivery(ok bool) {
	if pm == nil {
		return
	}
	if ok {
		pm.deliveries.WithLabelValues("ok").Inc()
	} else {
		pm.deliveries.WithLabelValues("error").Inc()
	}
}

func (pm *PrometheusMetrics) SetSubscriberAttached(attached bool) {
	if pm == nil {
		return
	}
	if attached {
		pm.subscriberAttached.Set(1)
	} else {
		pm.subscriberAttached.Set(0)
	}
}

// WebSocket connection tracking methods
func (pm *PrometheusMetrics) RecordWSConnection() {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.Inc()
	pm.wsActiveConnections.Inc()
}

func (pm *PrometheusMetrics) RecordWSDisconnect() {
	if pm == nil {
		return
	}
	pm.wsActiveConnections.Dec()
}

func (pm *PrometheusMetrics) RecordWSRejected() {
	if pm == nil {
		return
	}
	pm.wsRejectedTotal.Inc()
}

// updateResourceMetrics samples host CPU and Go runtime statistics
func (pm *PrometheusMetrics) updateResourceMetrics() {
	if pm == nil {
		return
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		pm.cpuPercent.Set(percents[0])
	} else if err != nil && DebugMode {
		log.Printf("DEBUG: Failed to read CPU usage: %v", err)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
}

// StartResourceUpdater refreshes host metrics every interval until ctx ends
func (pm *PrometheusMetrics) StartResourceUpdater(ctx context.Context, interval time.Duration) {
	if pm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		pm.updateResourceMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.updateResourceMetrics()
			}
		}
	}()
}

// StartPushgatewayWorker pushes all metrics to the configured Pushgateway
// every interval until ctx ends
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config) {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}

	pgConfig := config.Prometheus.Pushgateway
	const jobName = "pimtector"

	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%ds",
		pgConfig.URL, jobName, pgConfig.Instance, pgConfig.Interval)

	go func() {
		ticker := time.NewTicker(time.Duration(pgConfig.Interval) * time.Second)
		defer ticker.Stop()

		for {
			pm.pushgatewayPushesTotal.Inc()
			if err := pm.pushToGateway(pgConfig, jobName); err != nil {
				pm.pushgatewayFailuresTotal.Inc()
				log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
			} else if DebugMode {
				log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
			}

			select {
			case <-ctx.Done():
				log.Println("Pushgateway worker stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

// pushToGateway pushes all metrics grouped by instance
func (pm *PrometheusMetrics) pushToGateway(pgConfig PushgatewayConfig, jobName string) error {
	pusher := push.New(pgConfig.URL, jobName).
		Gatherer(pm.gatherer).
		Grouping("instance", pgConfig.Instance)
	if pgConfig.Token != "" {
		pusher = pusher.BasicAuth(pgConfig.Instance, pgConfig.Token)
	}

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
