package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration
type Config struct {
	Serial      SerialConfig       `yaml:"serial"`
	Anchors     []AnchorCoordinate `yaml:"anchors"`
	Calibration CalibrationConfig  `yaml:"calibration"`
	Sync        SyncConfig         `yaml:"sync"`
	IMU         IMUConfig          `yaml:"imu"`
	Solver      SolverConfig       `yaml:"solver"`
	MQTT        MQTTConfig         `yaml:"mqtt"`
	Server      ServerConfig       `yaml:"server"`
	Prometheus  PrometheusConfig   `yaml:"prometheus"`
	Capture     CaptureConfig      `yaml:"capture"`
}

// SerialConfig describes the anchor serial links. Port order matters: the
// i-th port feeds anchor slot i.
type SerialConfig struct {
	Ports      []string `yaml:"ports"`
	Baud       int      `yaml:"baud"`        // default 921600
	LowLatency bool     `yaml:"low_latency"` // set ASYNC_LOW_LATENCY on the tty (Linux)
}

// CalibrationConfig holds the fixed measurement corrections.
type CalibrationConfig struct {
	RangeBias float64 `yaml:"range_bias"` // subtracted from every range, default 76.8
}

// SyncConfig tunes the multi-stream synchronizer diagnostics.
type SyncConfig struct {
	StallTimeoutSec int `yaml:"stall_timeout_sec"` // 0 disables the stall watchdog
}

// IMUConfig tunes the inertial report forwarding.
type IMUConfig struct {
	GapThresholdUs uint64 `yaml:"gap_threshold_us"` // inter-arrival gap worth flagging, default 1500
}

// SolverConfig tunes the trilateration solver.
type SolverConfig struct {
	MaxIterations int `yaml:"max_iterations"` // default 45
}

// MQTTConfig contains MQTT publish sink settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"` // default "uwb"
	QoS             byte          `yaml:"qos"`
	Retain          bool          `yaml:"retain"`
	MetricsInterval int           `yaml:"metrics_interval"` // seconds between metrics bridge publishes, 0 disables
	TLS             MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains TLS settings for the MQTT connection
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// ServerConfig contains the HTTP/WebSocket server settings
type ServerConfig struct {
	Listen     string `yaml:"listen"` // default ":8626"
	EnableLive bool   `yaml:"enable_live"`
}

// PrometheusConfig gates the /metrics endpoint
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CaptureConfig controls raw stream capture for offline replay
type CaptureConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"` // default "captures"
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		Serial:      SerialConfig{Baud: 921600, LowLatency: true},
		Anchors:     defaultAnchorCoordinates,
		Calibration: CalibrationConfig{RangeBias: 76.8},
		Sync:        SyncConfig{StallTimeoutSec: 5},
		IMU:         IMUConfig{GapThresholdUs: 1500},
		Solver:      SolverConfig{MaxIterations: solverDefaultMaxIterations},
		MQTT: MQTTConfig{
			Broker:          "tcp://localhost:1883",
			TopicPrefix:     "uwb",
			MetricsInterval: 30,
		},
		Server:     ServerConfig{Listen: ":8626", EnableLive: true},
		Prometheus: PrometheusConfig{Enabled: true},
		Capture:    CaptureConfig{Directory: "captures"},
	}
}

// LoadConfig loads configuration from a YAML file, filling unset fields
// with the defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Validate checks the configuration for settings the gateway cannot run with.
func (c *Config) Validate() error {
	if len(c.Serial.Ports) == 0 {
		return fmt.Errorf("serial.ports must name at least one device")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive")
	}
	if len(c.Anchors) == 0 {
		return fmt.Errorf("anchors table must not be empty")
	}
	if len(c.Anchors) < len(c.Serial.Ports) {
		return fmt.Errorf("anchors table has %d entries for %d serial ports",
			len(c.Anchors), len(c.Serial.Ports))
	}
	if c.Solver.MaxIterations <= 0 {
		return fmt.Errorf("solver.max_iterations must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Server.Listen == "" && (c.Prometheus.Enabled || c.Server.EnableLive) {
		return fmt.Errorf("server.listen is required when the HTTP server is enabled")
	}
	if c.Capture.Enabled && c.Capture.Directory == "" {
		return fmt.Errorf("capture.directory is required when capture is enabled")
	}
	return nil
}
