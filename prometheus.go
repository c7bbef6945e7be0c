package main

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// GatewayMetrics holds all Prometheus metric collectors for the gateway
type GatewayMetrics struct {
	// Framing and decode (per serial stream)
	framesDecoded *prometheus.CounterVec // Complete frames recovered (by port)
	framesDropped *prometheus.CounterVec // Frames lost (by port and reason: unstuff, tag, layout)
	bytesRead     *prometheus.CounterVec // Raw bytes read (by port)
	packetsByType *prometheus.CounterVec // Decoded packets (by type: RNG, IMU, CIR)

	// Synchronizer
	fifoDepth        *prometheus.GaugeVec // Pending reports per anchor FIFO
	batchesEmitted   prometheus.Counter   // Synchronized batches produced
	reportsDiscarded prometheus.Counter   // Reports dropped as uncorrelatable

	// Solver
	positionsSolved  prometheus.Counter   // Position estimates published
	solverDegenerate prometheus.Counter   // Batch entries with no usable ranges
	solverIterations prometheus.Histogram // Gauss-Newton steps per solve

	// IMU
	imuGapAnomalies prometheus.Counter // Inter-arrival gaps above the threshold

	// Transport
	publishErrors  *prometheus.CounterVec // Failed publishes (by sink: mqtt, websocket)
	streamUp       *prometheus.GaugeVec   // 1 while a stream is delivering (by port)
	streamFailures *prometheus.CounterVec // Stream read failures (by port)

	// Host resources
	cpuPercent prometheus.Gauge // Process host CPU utilization
	memUsed    prometheus.Gauge // Host memory in use, bytes
	cpuCores   prometheus.Gauge // Logical CPU count
}

// NewGatewayMetrics creates and registers all Prometheus metrics
func NewGatewayMetrics() *GatewayMetrics {
	return &GatewayMetrics{
		framesDecoded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_frames_decoded_total",
				Help: "Complete frames recovered from the serial stream",
			},
			[]string{"port"},
		),
		framesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_frames_dropped_total",
				Help: "Frames discarded during unstuffing or record decode",
			},
			[]string{"port", "reason"},
		),
		bytesRead: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_stream_bytes_total",
				Help: "Raw bytes read from the serial stream",
			},
			[]string{"port"},
		),
		packetsByType: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_packets_total",
				Help: "Decoded packets by wire type tag",
			},
			[]string{"type"},
		),
		fifoDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uwb_sync_fifo_depth",
				Help: "Reports waiting in the per-anchor synchronizer FIFO",
			},
			[]string{"anchor"},
		),
		batchesEmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "uwb_sync_batches_total",
				Help: "Synchronized measurement batches emitted",
			},
		),
		reportsDiscarded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "uwb_sync_discarded_total",
				Help: "Range reports discarded because their round never correlated",
			},
		),
		positionsSolved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "uwb_positions_total",
				Help: "Position estimates published",
			},
		),
		solverDegenerate: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "uwb_solver_degenerate_total",
				Help: "Batch entries without a single usable range measurement",
			},
		),
		solverIterations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "uwb_solver_iterations",
				Help:    "Gauss-Newton iterations per position solve",
				Buckets: prometheus.LinearBuckets(5, 5, 9),
			},
		),
		imuGapAnomalies: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "uwb_imu_gap_anomalies_total",
				Help: "IMU inter-arrival gaps above the configured threshold",
			},
		),
		publishErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_publish_errors_total",
				Help: "Failed result publishes",
			},
			[]string{"sink"},
		),
		streamUp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uwb_stream_up",
				Help: "1 while the serial stream is delivering data",
			},
			[]string{"port"},
		),
		streamFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwb_stream_failures_total",
				Help: "Serial stream read failures",
			},
			[]string{"port"},
		),
		cpuPercent: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "uwb_host_cpu_percent",
				Help: "Host CPU utilization percentage",
			},
		),
		memUsed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "uwb_host_memory_used_bytes",
				Help: "Host memory in use",
			},
		),
		cpuCores: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "uwb_host_cpu_cores",
				Help: "Logical CPU count",
			},
		),
	}
}

// UpdateFifoDepths mirrors the synchronizer queue depths into gauges.
func (gm *GatewayMetrics) UpdateFifoDepths(depths []int) {
	for i, d := range depths {
		gm.fifoDepth.WithLabelValues(strconv.Itoa(i)).Set(float64(d))
	}
}

// StartResourceSampler samples host CPU and memory on a fixed interval
// until the context is cancelled.
func (gm *GatewayMetrics) StartResourceSampler(ctx context.Context) {
	if counts, err := cpu.Counts(true); err == nil {
		gm.cpuCores.Set(float64(counts))
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
					gm.cpuPercent.Set(pct[0])
				}
				if vm, err := mem.VirtualMemory(); err != nil {
					log.Printf("METRICS: memory sample failed: %v", err)
				} else {
					gm.memUsed.Set(float64(vm.Used))
				}
			}
		}
	}()
}
