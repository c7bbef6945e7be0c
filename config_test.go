package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValidWithPorts(t *testing.T) {
	config := DefaultConfig()
	config.Serial.Ports = []string{"/dev/ttyACM0"}
	if err := config.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	yaml := `
serial:
  ports: ["/dev/ttyACM0", "/dev/ttyACM1"]
  baud: 115200
calibration:
  range_bias: 80.5
anchors:
  - {x: 0, y: 0, z: 0}
  - {x: 4, y: 0, z: 0}
  - {x: 0, y: 4, z: 2}
mqtt:
  enabled: true
  broker: tcp://broker.example:1883
  topic_prefix: lab/uwb
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(config.Serial.Ports) != 2 || config.Serial.Baud != 115200 {
		t.Errorf("serial = %+v", config.Serial)
	}
	if config.Calibration.RangeBias != 80.5 {
		t.Errorf("range_bias = %v, want 80.5", config.Calibration.RangeBias)
	}
	if len(config.Anchors) != 3 || config.Anchors[2].Z != 2 {
		t.Errorf("anchors = %+v", config.Anchors)
	}
	if config.MQTT.TopicPrefix != "lab/uwb" {
		t.Errorf("topic_prefix = %q", config.MQTT.TopicPrefix)
	}
	// Untouched settings keep their defaults.
	if config.IMU.GapThresholdUs != 1500 {
		t.Errorf("gap_threshold_us = %d, want default 1500", config.IMU.GapThresholdUs)
	}
	if config.Solver.MaxIterations != solverDefaultMaxIterations {
		t.Errorf("max_iterations = %d, want default", config.Solver.MaxIterations)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		c := DefaultConfig()
		c.Serial.Ports = []string{"/dev/ttyACM0"}
		return c
	}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no ports", func(c *Config) { c.Serial.Ports = nil }},
		{"bad baud", func(c *Config) { c.Serial.Baud = 0 }},
		{"no anchors", func(c *Config) { c.Anchors = nil }},
		{"fewer anchors than ports", func(c *Config) {
			c.Serial.Ports = []string{"a", "b", "c"}
			c.Anchors = c.Anchors[:2]
		}},
		{"bad iterations", func(c *Config) { c.Solver.MaxIterations = 0 }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"capture without directory", func(c *Config) { c.Capture.Enabled = true; c.Capture.Directory = "" }},
	}
	for _, tc := range cases {
		c := base()
		tc.mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}
