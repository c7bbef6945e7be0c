package main

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

// ResultPublisher is the boundary to the publish transports. Implementations
// must not block: the pipeline loop calls them inline.
type ResultPublisher interface {
	PublishRanges(batch []RangeReport)
	PublishPoints(points []PositionEstimate)
	PublishImu(report ImuReport)
	PublishCir(report ConvertedCirReport)
}

// streamEvent is one reader delivery: either a chunk of raw bytes or the
// stream's terminal error.
type streamEvent struct {
	id   int
	data []byte
	err  error
}

// streamReadBuffer is sized for a few frames per read at 921600 baud.
const streamReadBuffer = 4096

// Pipeline is the gateway core: it multiplexes the anchor byte streams,
// recovers and dispatches packets, correlates range reports into
// synchronized batches, solves positions and forwards everything to the
// publishers.
//
// Reader goroutines only move bytes; every decoder, the synchronizer and
// the solver are touched exclusively by the Run loop, so the pipeline state
// needs no locking.
type Pipeline struct {
	config     *Config
	streams    []io.ReadCloser
	names      []string // diagnostic stream names (device paths or capture files)
	decoders   []*FrameDecoder
	sync       *Synchronizer
	localizer  *Localizer
	publishers []ResultPublisher
	metrics    *GatewayMetrics
	captures   []*CaptureWriter

	events chan streamEvent

	streamUp []bool
	upMu     sync.RWMutex // StreamHealth is read from HTTP handlers

	lastImuTs    uint64
	lastImuValid bool

	reportedDiscards uint64
	reportedResyncs  []uint64
}

// NewPipeline assembles the gateway over already-open byte streams. The
// stream index is the anchor slot index for range reports.
func NewPipeline(config *Config, streams []io.ReadCloser, names []string,
	publishers []ResultPublisher, metrics *GatewayMetrics) *Pipeline {

	decoders := make([]*FrameDecoder, len(streams))
	for i := range decoders {
		decoders[i] = &FrameDecoder{}
	}

	return &Pipeline{
		config:          config,
		streams:         streams,
		names:           names,
		decoders:        decoders,
		sync:            NewSynchronizer(len(streams)),
		localizer:       NewLocalizer(config.Anchors, config.Solver.MaxIterations),
		publishers:      publishers,
		metrics:         metrics,
		captures:        make([]*CaptureWriter, len(streams)),
		events:          make(chan streamEvent, len(streams)*2),
		streamUp:        make([]bool, len(streams)),
		reportedResyncs: make([]uint64, len(streams)),
	}
}

// EnableCapture attaches a raw capture writer to every stream.
func (p *Pipeline) EnableCapture(dir string) error {
	for i := range p.streams {
		w, err := NewCaptureWriter(dir, i)
		if err != nil {
			return err
		}
		p.captures[i] = w
	}
	return nil
}

// StreamHealth reports how many streams are still delivering.
func (p *Pipeline) StreamHealth() (up, total int) {
	p.upMu.RLock()
	defer p.upMu.RUnlock()
	for _, ok := range p.streamUp {
		if ok {
			up++
		}
	}
	return up, len(p.streamUp)
}

func (p *Pipeline) setStreamUp(id int, up bool) {
	p.upMu.Lock()
	p.streamUp[id] = up
	p.upMu.Unlock()
	v := 0.0
	if up {
		v = 1.0
	}
	p.metrics.streamUp.WithLabelValues(p.names[id]).Set(v)
}

// Run drives the event loop until the context is cancelled or every stream
// has ended. Stream failures are isolated: the failing stream is closed and
// the rest keep flowing.
func (p *Pipeline) Run(ctx context.Context) error {
	var readers sync.WaitGroup
	for i := range p.streams {
		p.setStreamUp(i, true)
		readers.Add(1)
		go p.readStream(ctx, i, &readers)
	}

	var stallTicker *time.Ticker
	var stallC <-chan time.Time
	if p.config.Sync.StallTimeoutSec > 0 {
		stallTicker = time.NewTicker(time.Duration(p.config.Sync.StallTimeoutSec) * time.Second)
		stallC = stallTicker.C
		defer stallTicker.Stop()
	}

	live := len(p.streams)
	for live > 0 {
		select {
		case <-ctx.Done():
			p.shutdown(&readers)
			return ctx.Err()

		case ev := <-p.events:
			if ev.err != nil {
				live--
				p.setStreamUp(ev.id, false)
				if ev.err == io.EOF {
					log.Printf("STREAM: %s ended", p.names[ev.id])
				} else {
					p.metrics.streamFailures.WithLabelValues(p.names[ev.id]).Inc()
					log.Printf("STREAM ERROR: %s failed, running degraded on %d of %d streams: %v",
						p.names[ev.id], live, len(p.streams), ev.err)
				}
				p.streams[ev.id].Close()
				continue
			}
			p.metrics.bytesRead.WithLabelValues(p.names[ev.id]).Add(float64(len(ev.data)))
			p.captures[ev.id].Write(ev.data)
			p.ingest(ev.id, ev.data)

		case now := <-stallC:
			timeout := time.Duration(p.config.Sync.StallTimeoutSec) * time.Second
			for _, anchor := range p.sync.StalledAnchors(timeout, now) {
				log.Printf("SYNC: anchor %d has produced no report for over %s; synchronization is stalled",
					anchor, timeout)
			}
		}
	}

	log.Printf("STREAM: all streams ended")
	p.shutdown(&readers)
	return nil
}

func (p *Pipeline) shutdown(readers *sync.WaitGroup) {
	for _, s := range p.streams {
		s.Close() // unblocks pending reads
	}
	readers.Wait()
	for _, w := range p.captures {
		if err := w.Close(); err != nil {
			log.Printf("CAPTURE ERROR: close failed: %v", err)
		}
	}
}

// readStream moves bytes from one stream into the event channel until the
// stream ends or the context is cancelled.
func (p *Pipeline) readStream(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, streamReadBuffer)
	for {
		n, err := p.streams[id].Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.events <- streamEvent{id: id, data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case p.events <- streamEvent{id: id, err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// ingest feeds received bytes to the stream's frame decoder and handles
// every complete frame. A nil from Next may mean the decoder only
// resynchronized past garbage, so draining continues until the buffer stops
// shrinking.
func (p *Pipeline) ingest(id int, data []byte) {
	dec := p.decoders[id]
	dec.Write(data)
	for {
		before := dec.Buffered()
		if frame := dec.Next(); frame != nil {
			p.handleFrame(id, frame)
			continue
		}
		if dec.Buffered() == before {
			break
		}
	}
	if r := dec.Resyncs(); r > p.reportedResyncs[id] {
		p.metrics.framesDropped.WithLabelValues(p.names[id], "resync").Add(float64(r - p.reportedResyncs[id]))
		p.reportedResyncs[id] = r
	}
}

// handleFrame unstuffs one frame and dispatches the packet. Every failure
// mode here is local: log, count, drop, continue.
func (p *Pipeline) handleFrame(id int, frame []byte) {
	port := p.names[id]
	p.metrics.framesDecoded.WithLabelValues(port).Inc()

	msg, err := unstuff(frame[frameHeaderLen:])
	if err != nil {
		p.metrics.framesDropped.WithLabelValues(port, "unstuff").Inc()
		log.Printf("DECODE: dropping frame from %s: %v", port, err)
		return
	}

	packet, err := DecodePacket(msg)
	if err != nil {
		reason := "layout"
		if errors.Is(err, errUnknownTag) {
			reason = "tag"
		}
		p.metrics.framesDropped.WithLabelValues(port, reason).Inc()
		if DebugMode {
			log.Printf("DECODE: dropping payload from %s: %v", port, err)
		}
		return
	}
	p.metrics.packetsByType.WithLabelValues(packet.Tag()).Inc()

	switch pkt := packet.(type) {
	case RangeReport:
		p.handleRange(id, pkt)
	case ImuReport:
		p.handleImu(pkt)
	case CirReport:
		p.handleCir(pkt)
	}
}

// handleRange pushes a report into the synchronizer and drains every batch
// that becomes matchable, solving and publishing each.
func (p *Pipeline) handleRange(id int, report RangeReport) {
	if DebugMode {
		log.Printf("RNG: anchor %d tag %04x seq %d txts %d", id, report.TagAddr, report.SeqNum, report.TriggerTxts)
	}
	p.sync.Push(id, report)

	for {
		batch, ok := p.sync.TrySynchronize()
		if !ok {
			break
		}
		p.metrics.batchesEmitted.Inc()

		// Fixed antenna-delay calibration, applied to every slot including
		// invalid sentinels: non-finite stays non-finite and the threshold
		// test is unaffected at sentinel magnitudes.
		for i := range batch {
			for j := range batch[i].Ranges {
				batch[i].Ranges[j] -= p.config.Calibration.RangeBias
			}
		}

		for _, pub := range p.publishers {
			pub.PublishRanges(batch)
		}

		points := make([]PositionEstimate, 0, len(batch))
		for _, r := range batch {
			point, iters, ok := p.localizer.Localize(r.Ranges)
			if ok {
				p.metrics.solverIterations.Observe(float64(iters))
			} else {
				// Origin sentinel: consumers rely on one estimate per tag
				// per batch.
				p.metrics.solverDegenerate.Inc()
			}
			points = append(points, PositionEstimate{TagAddr: r.TagAddr, Point: point})
			log.Printf("SOLVE: tag %04x at (%.2f, %.2f, %.2f)", r.TagAddr, point[0], point[1], point[2])
		}
		p.metrics.positionsSolved.Add(float64(len(points)))

		for _, pub := range p.publishers {
			pub.PublishPoints(points)
		}
	}

	p.metrics.UpdateFifoDepths(p.sync.Depths())
	p.syncDiscardedToMetrics()
}

// syncDiscardedToMetrics mirrors the synchronizer's discard total into the
// counter without double counting.
func (p *Pipeline) syncDiscardedToMetrics() {
	d := p.sync.Discarded()
	if d > p.reportedDiscards {
		p.metrics.reportsDiscarded.Add(float64(d - p.reportedDiscards))
		p.reportedDiscards = d
	}
}

// handleImu forwards the report and flags suspicious inter-arrival gaps.
// The gap check is diagnostic only; the report is forwarded regardless.
func (p *Pipeline) handleImu(report ImuReport) {
	if p.lastImuValid {
		interval := report.SystemTs - p.lastImuTs
		if DebugMode {
			log.Printf("IMU: interval %d us", interval)
		}
		if interval > p.config.IMU.GapThresholdUs {
			p.metrics.imuGapAnomalies.Inc()
			log.Printf("IMU: inter-arrival gap %d us exceeds %d us", interval, p.config.IMU.GapThresholdUs)
		}
	}
	p.lastImuTs = report.SystemTs
	p.lastImuValid = true

	for _, pub := range p.publishers {
		pub.PublishImu(report)
	}
}

// handleCir converts the raw window and forwards it.
func (p *Pipeline) handleCir(report CirReport) {
	converted := report.Convert()
	if DebugMode {
		log.Printf("CIR: src %04x seq %d fp %d", converted.SrcAddr, converted.SeqNum, converted.FpIndex)
	}
	for _, pub := range p.publishers {
		pub.PublishCir(converted)
	}
}
