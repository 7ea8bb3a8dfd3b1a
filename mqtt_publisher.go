package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/cwsl/pimtector/dsp"
)

// MQTTPublisher publishes trace summaries and metrics to a broker
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	receiver *Receiver
	gatherer prometheus.Gatherer
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// TracePayload is published on <prefix>/trace
type TracePayload struct {
	Timestamp int64         `json:"timestamp"`
	State     string        `json:"state"`
	Settings  dsp.Settings  `json:"settings"`
	Trace     *TraceSummary `json:"trace,omitempty"`
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "pimtector_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the configured broker
func NewMQTTPublisher(config *MQTTConfig, receiver *Receiver, gatherer prometheus.Gatherer) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:   client,
		config:   config,
		receiver: receiver,
		gatherer: gatherer,
	}, nil
}

// Start publishes at the configured interval until ctx is cancelled
func (mp *MQTTPublisher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
		defer ticker.Stop()

		log.Printf("MQTT: Publisher started with %d second interval", mp.config.PublishInterval)
		mp.publishAll()

		for {
			select {
			case <-ctx.Done():
				log.Println("MQTT: Publisher stopped")
				mp.client.Disconnect(250)
				return
			case <-ticker.C:
				mp.publishAll()
			}
		}
	}()
}

func (mp *MQTTPublisher) publishAll() {
	now := time.Now().Unix()
	mp.publish(mp.config.TopicPrefix+"/trace", buildTracePayload(mp.receiver, now))

	families, err := mp.gatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}
	metrics := flattenMetrics(families)
	if len(metrics) == 0 {
		return
	}
	mp.publish(mp.config.TopicPrefix+"/metrics", MetricPayload{Timestamp: now, Metrics: metrics})
}

func buildTracePayload(r *Receiver, now int64) TracePayload {
	state, _ := r.State()
	p := TracePayload{
		Timestamp: now,
		State:     state.String(),
		Settings:  r.Settings(),
	}
	if t, ok := r.Latest(); ok {
		sum := SummarizeTrace(t)
		p.Trace = &sum
	}
	return p
}

// flattenMetrics turns gathered families into name[_label_value...] keys.
// Only pimtector_ families are kept.
func flattenMetrics(families []*dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "pimtector_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			labels := m.GetLabel()
			parts := make([]string, 0, len(labels))
			for _, l := range labels {
				parts = append(parts, l.GetName()+"_"+l.GetValue())
			}
			sort.Strings(parts)
			key := name
			if len(parts) > 0 {
				key += "_" + strings.Join(parts, "_")
			}
			out[key] = value
		}
	}
	return out
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue(), true
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue(), true
	case m.GetHistogram() != nil:
		return m.GetHistogram().GetSampleSum(), true
	case m.GetSummary() != nil:
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publish sends a payload to an MQTT topic
func (mp *MQTTPublisher) publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}
