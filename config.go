package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwsl/pimtector/dsp"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Stream     StreamConfig     `yaml:"stream"`
	Power      PowerConfig      `yaml:"power"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	MCP        MCPConfig        `yaml:"mcp"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen         string `yaml:"listen"`
	EnableCORS     bool   `yaml:"enable_cors"`
	LogFileEnabled bool   `yaml:"logfile_enabled"` // Enable HTTP request logging (default: false)
	LogFile        string `yaml:"logfile"`         // HTTP request log file path
	StaticDir      string `yaml:"static_dir"`      // Directory served at / (empty = disabled)
	RateLimit      int    `yaml:"rate_limit"`      // Write requests and stream connects per second per IP (0 = unlimited)
}

// ReceiverConfig selects and configures the SDR front-end
type ReceiverConfig struct {
	Backend       string       `yaml:"backend"`        // sim or rtltcp
	DeviceIndex   int          `yaml:"device_index"`   // Device to open when several are present
	RTLTCPAddress string       `yaml:"rtltcp_address"` // host:port of the rtl_tcp server
	Gain          float64      `yaml:"gain"`           // Initial tuner gain in dB (manual gain mode only)
	ManualGain    bool         `yaml:"manual_gain"`    // Manual gain mode (false = tuner auto gain)
	AGC           bool         `yaml:"agc"`            // RTL2832 digital AGC
	PPM           int          `yaml:"ppm"`            // Frequency correction, ppm
	BufferCount   int          `yaml:"buffer_count"`   // Async transfer buffers (0 = driver default)
	Settings      dsp.Settings `yaml:"settings"`       // Acquisition and processing settings
	Sim           SimConfig    `yaml:"sim"`            // Simulated receiver, backend "sim"
}

// SimConfig describes the signal rendered by the simulated receiver
type SimConfig struct {
	Devices       int             `yaml:"devices"`        // Number of devices enumerated (0 = no hardware)
	FrameInterval time.Duration   `yaml:"frame_interval"` // Delay between frames (0 = real time at the sample rate)
	Noise         float64         `yaml:"noise"`          // Gaussian noise standard deviation, ADC counts
	Tones         []SimToneConfig `yaml:"tones"`
}

// SimToneConfig is one complex tone relative to the center frequency
type SimToneConfig struct {
	OffsetHz  float64 `yaml:"offset_hz"`
	Amplitude float64 `yaml:"amplitude"` // ADC counts, peak
}

// StreamConfig contains the trace buffer and drain pacing settings
type StreamConfig struct {
	Capacity      int     `yaml:"capacity"`        // Maximum buffered traces (default: 10)
	MinDelayMs    int     `yaml:"min_delay_ms"`    // Fastest drain interval (default: 20)
	MaxDelayMs    int     `yaml:"max_delay_ms"`    // Slowest drain interval (default: 250)
	StepMs        int     `yaml:"step_ms"`         // Drain interval adjustment per delivery (default: 10)
	HighWaterMark float64 `yaml:"high_water_mark"` // Fill ratio above which draining speeds up (default: 0.6)
	LowWaterMark  float64 `yaml:"low_water_mark"`  // Fill ratio below which draining slows down (default: 0.4)
}

// PowerConfig controls the receiver USB power-enable line
type PowerConfig struct {
	GPIOPin   int    `yaml:"gpio_pin"`   // Sysfs GPIO number, 0 = disabled
	GPIOChip  string `yaml:"gpio_chip"`  // Sysfs GPIO root (default: /sys/class/gpio)
	ActiveLow bool   `yaml:"active_low"` // Drive the line low to power the receiver
}

// PrometheusConfig contains Prometheus metrics endpoint settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`   // Pushgateway configuration

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`  // Enable/disable pushing to Pushgateway
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Instance string `yaml:"instance"` // Instance name, also the basic auth username
	Token    string `yaml:"token"`    // Basic auth password (optional)
	Interval int    `yaml:"interval"` // Push interval in seconds (default: 60)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all messages
	PublishInterval int           `yaml:"publish_interval"` // Publishing interval in seconds
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for MQTT messages
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// MCPConfig contains Model Context Protocol endpoint settings
type MCPConfig struct {
	Enabled bool `yaml:"enabled"` // Enable/disable MCP endpoint
}

// LoggingConfig contains log verbosity
type LoggingConfig struct {
	Level string `yaml:"level"` // info or debug
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	// Settings start from the receiver defaults so a partial
	// settings block only overrides what it names
	config := Config{
		Receiver: ReceiverConfig{Settings: dsp.DefaultSettings()},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	// Set defaults if not specified
	if config.Server.Listen == "" {
		config.Server.Listen = ":8000"
	}
	if config.Server.LogFile == "" {
		config.Server.LogFile = "web.log"
	}
	if config.Receiver.Backend == "" {
		config.Receiver.Backend = "sim"
	}
	if config.Receiver.RTLTCPAddress == "" {
		config.Receiver.RTLTCPAddress = "127.0.0.1:1234"
	}
	if config.Receiver.Backend == "sim" && config.Receiver.Sim.Devices == 0 && len(config.Receiver.Sim.Tones) == 0 {
		// Bare sim backend: one device with a single test tone
		config.Receiver.Sim.Devices = 1
		config.Receiver.Sim.Noise = 2
		config.Receiver.Sim.Tones = []SimToneConfig{{OffsetHz: 25e3, Amplitude: 40}}
	}
	if config.Stream.Capacity == 0 {
		config.Stream.Capacity = 10
	}
	if config.Stream.MinDelayMs == 0 {
		config.Stream.MinDelayMs = 20
	}
	if config.Stream.MaxDelayMs == 0 {
		config.Stream.MaxDelayMs = 250
	}
	if config.Stream.StepMs == 0 {
		config.Stream.StepMs = 10
	}
	if config.Stream.HighWaterMark == 0 {
		config.Stream.HighWaterMark = 0.6
	}
	if config.Stream.LowWaterMark == 0 {
		config.Stream.LowWaterMark = 0.4
	}
	if config.Prometheus.Pushgateway.Interval == 0 {
		config.Prometheus.Pushgateway.Interval = 60
	}
	if config.Power.GPIOChip == "" {
		config.Power.GPIOChip = "/sys/class/gpio"
	}
	if config.MQTT.TopicPrefix == "" {
		config.MQTT.TopicPrefix = "pimtector"
	}
	if config.MQTT.PublishInterval == 0 {
		config.MQTT.PublishInterval = 10
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return &config, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	switch c.Receiver.Backend {
	case "sim", "rtltcp":
	default:
		return fmt.Errorf("receiver.backend must be sim or rtltcp, got %q", c.Receiver.Backend)
	}
	if c.Receiver.DeviceIndex < 0 {
		return fmt.Errorf("receiver.device_index must not be negative")
	}
	if c.Receiver.BufferCount < 0 {
		return fmt.Errorf("receiver.buffer_count must not be negative")
	}
	if err := c.Receiver.Settings.Validate(); err != nil {
		return fmt.Errorf("receiver.settings: %w", err)
	}
	if c.Stream.Capacity < 1 {
		return fmt.Errorf("stream.capacity must be at least 1")
	}
	if c.Stream.MinDelayMs < 1 || c.Stream.MaxDelayMs < c.Stream.MinDelayMs {
		return fmt.Errorf("stream delays must satisfy 1 <= min_delay_ms <= max_delay_ms")
	}
	if c.Stream.StepMs < 1 {
		return fmt.Errorf("stream.step_ms must be at least 1")
	}
	if c.Stream.LowWaterMark < 0 || c.Stream.HighWaterMark > 1 || c.Stream.LowWaterMark > c.Stream.HighWaterMark {
		return fmt.Errorf("stream water marks must satisfy 0 <= low_water_mark <= high_water_mark <= 1")
	}
	if c.Power.GPIOPin < 0 {
		return fmt.Errorf("power.gpio_pin must not be negative")
	}
	if c.Prometheus.Pushgateway.Enabled && (c.Prometheus.Pushgateway.URL == "" || c.Prometheus.Pushgateway.Instance == "") {
		return fmt.Errorf("prometheus.pushgateway needs url and instance when enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "info", "debug":
	default:
		return fmt.Errorf("logging.level must be info or debug, got %q", c.Logging.Level)
	}
	return nil
}

// PacingConfig converts the stream settings into drain loop parameters
func (sc StreamConfig) PacingConfig() PacingConfig {
	return PacingConfig{
		MinDelay:      time.Duration(sc.MinDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(sc.MaxDelayMs) * time.Millisecond,
		Step:          time.Duration(sc.StepMs) * time.Millisecond,
		HighWaterMark: sc.HighWaterMark,
		LowWaterMark:  sc.LowWaterMark,
	}
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, host := range pc.AllowedHosts {
		// If no CIDR notation, treat as a single host
		if !strings.Contains(host, "/") {
			if strings.Contains(host, ":") {
				host += "/128"
			} else {
				host += "/32"
			}
		}

		_, ipNet, err := net.ParseCIDR(host)
		if err != nil {
			return fmt.Errorf("invalid IP/CIDR %q: %w", host, err)
		}
		pc.allowedNets = append(pc.allowedNets, ipNet)
	}

	return nil
}

// IsIPAllowed checks if an IP address may read the metrics endpoint.
// An empty allow list admits everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.allowedNets) == 0 {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}
