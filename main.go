package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// DebugMode enables verbose logging throughout the gateway
var DebugMode bool

// serialList collects repeated -serial flags.
type serialList []string

func (s *serialList) String() string { return strings.Join(*s, ",") }

func (s *serialList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration file")
		replayDir  = flag.String("replay", "", "Replay captured streams from this directory instead of opening serial ports")
		debugFlag  = flag.Bool("debug", false, "Enable debug logging")
		ports      serialList
	)
	flag.Var(&ports, "serial", "Serial device to read (repeatable, overrides config)")
	flag.Parse()

	DebugMode = *debugFlag || os.Getenv("DEBUG") != ""
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	config := DefaultConfig()
	if *configPath != "" {
		var err error
		config, err = LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("CONFIG ERROR: %v", err)
		}
		log.Printf("CONFIG: Loaded %s", *configPath)
	}
	if len(ports) > 0 {
		config.Serial.Ports = ports
	}
	if *replayDir == "" {
		if err := config.Validate(); err != nil {
			log.Fatalf("CONFIG ERROR: %v", err)
		}
	}

	// Byte-stream sources: live serial ports, or a replayed capture.
	var streams []io.ReadCloser
	var names []string
	if *replayDir != "" {
		var err error
		streams, err = OpenReplayStreams(*replayDir)
		if err != nil {
			log.Fatalf("REPLAY ERROR: %v", err)
		}
		for i := range streams {
			names = append(names, fmt.Sprintf("replay-%02d", i))
		}
		if len(streams) > len(config.Anchors) {
			log.Fatalf("REPLAY ERROR: %d capture streams but only %d anchors configured",
				len(streams), len(config.Anchors))
		}
		log.Printf("REPLAY: Reading %d captured streams from %s", len(streams), *replayDir)
	} else {
		for _, device := range config.Serial.Ports {
			port, err := openAnchorPort(device, config.Serial.Baud, config.Serial.LowLatency)
			if err != nil {
				closeAll(streams)
				log.Fatalf("SERIAL ERROR: %v", err)
			}
			streams = append(streams, port)
			names = append(names, device)
			log.Printf("SERIAL: Opened %s at %d baud", device, config.Serial.Baud)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := NewGatewayMetrics()
	metrics.StartResourceSampler(ctx)

	var publishers []ResultPublisher

	var mqttPub *MQTTPublisher
	if config.MQTT.Enabled {
		var err error
		mqttPub, err = NewMQTTPublisher(&config.MQTT, metrics)
		if err != nil {
			closeAll(streams)
			log.Fatalf("MQTT ERROR: %v", err)
		}
		mqttPub.StartMetricsBridge(ctx)
		publishers = append(publishers, mqttPub)
	}

	var hub *LiveFeedHub
	if config.Server.EnableLive {
		hub = NewLiveFeedHub(metrics)
		publishers = append(publishers, hub)
	}

	pipeline := NewPipeline(config, streams, names, publishers, metrics)
	if config.Capture.Enabled && *replayDir == "" {
		if err := pipeline.EnableCapture(config.Capture.Directory); err != nil {
			closeAll(streams)
			log.Fatalf("CAPTURE ERROR: %v", err)
		}
		log.Printf("CAPTURE: Recording raw streams to %s", config.Capture.Directory)
	}

	var server *http.Server
	if config.Server.Listen != "" && (config.Server.EnableLive || config.Prometheus.Enabled) {
		server = StartHTTPServer(config, hub, pipeline)
	}

	log.Printf("Gateway running on %d streams", len(streams))
	err := pipeline.Run(ctx)
	if err != nil && err != context.Canceled {
		log.Printf("PIPELINE ERROR: %v", err)
	}

	// Shutdown. The pipeline has already closed its streams and captures.
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		server.Shutdown(shutdownCtx)
		cancel()
	}
	if mqttPub != nil {
		mqttPub.Disconnect()
	}
	log.Println("Gateway stopped")
}
