package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher is the gateway's publish sink: synchronized range batches,
// solved positions and relayed sensor reports go out as JSON on topics
// under the configured prefix.
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	metrics *GatewayMetrics
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

// NewMQTTPublisher connects to the broker and returns the publisher
func NewMQTTPublisher(config *MQTTConfig, metrics *GatewayMetrics) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID("uwb-locd-" + uuid.NewString()[:8])

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
		client:  client,
		config:  config,
		metrics: metrics,
	}, nil
}

// publishJSON marshals and publishes one payload. Tokens are checked in the
// background: a dead broker must never stall the pipeline loop.
func (mp *MQTTPublisher) publishJSON(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		mp.metrics.publishErrors.WithLabelValues("mqtt").Inc()
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
			mp.metrics.publishErrors.WithLabelValues("mqtt").Inc()
		}
	}()
}

// PublishRanges publishes one bias-corrected synchronized batch.
func (mp *MQTTPublisher) PublishRanges(batch []RangeReport) {
	mp.publishJSON(mp.config.TopicPrefix+"/ranges", batch)
}

// PublishPoints publishes the solved positions for one batch.
func (mp *MQTTPublisher) PublishPoints(points []PositionEstimate) {
	mp.publishJSON(mp.config.TopicPrefix+"/points", points)
}

// PublishImu publishes one relayed inertial report.
func (mp *MQTTPublisher) PublishImu(report ImuReport) {
	mp.publishJSON(mp.config.TopicPrefix+"/imu", report)
}

// PublishCir publishes one converted channel impulse response window.
func (mp *MQTTPublisher) PublishCir(report ConvertedCirReport) {
	mp.publishJSON(mp.config.TopicPrefix+"/cir", report)
}

// MetricPayload represents a metrics bridge message
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// StartMetricsBridge periodically republishes the Prometheus registry as
// JSON under <prefix>/metrics, for dashboards that speak MQTT but not
// Prometheus.
func (mp *MQTTPublisher) StartMetricsBridge(ctx context.Context) {
	if mp.config.MetricsInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Duration(mp.config.MetricsInterval) * time.Second)
		defer ticker.Stop()

		log.Printf("MQTT: Metrics bridge started with %d second interval", mp.config.MetricsInterval)
		mp.publishAllMetrics()

		for {
			select {
			case <-ctx.Done():
				log.Println("MQTT: Metrics bridge stopped")
				return
			case <-ticker.C:
				mp.publishAllMetrics()
			}
		}
	}()
}

// publishAllMetrics gathers the default registry and publishes every
// numeric sample, label values folded into the key.
func (mp *MQTTPublisher) publishAllMetrics() {
	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	samples := make(map[string]float64)
	for _, mf := range metricFamilies {
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			key := mf.GetName()
			for _, label := range m.GetLabel() {
				key += "_" + label.GetName() + "_" + label.GetValue()
			}
			samples[key] = value
		}
	}
	if len(samples) == 0 {
		return
	}

	mp.publishJSON(mp.config.TopicPrefix+"/metrics", MetricPayload{
		Timestamp: time.Now().Unix(),
		Metrics:   samples,
	})
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
