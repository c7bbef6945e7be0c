package main

import "bytes"

// Serial framing: 0x00 <0xFF 0x01 0x00> <stuffed payload> 0x00. The stuffed
// payload contains no zero bytes, so a zero unambiguously delimits frames.

const (
	frameHeaderLen = 4 // leading zero + 3 header bytes
	frameMinLen    = frameHeaderLen
)

var frameHeader = [3]byte{0xFF, 0x01, 0x00}

// decoderState tracks where the decoder is inside the framing envelope.
type decoderState int

const (
	stateSeekDelimiter decoderState = iota
	stateValidateHeader
	stateAccumulatePayload
)

// FrameDecoder recovers framed packets from a continuous, unreliable byte
// stream. Bytes are appended with Write as they arrive from the serial port;
// Next pops at most one complete frame per call. Malformed spans are
// discarded and decoding resynchronizes at the next zero byte; no input can
// make the decoder fail permanently.
type FrameDecoder struct {
	buf     []byte
	state   decoderState
	resyncs uint64
}

// Write appends freshly received bytes to the decode buffer.
func (d *FrameDecoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many bytes are pending in the decode buffer.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Resyncs reports how many times decoding had to skip past a span that
// looked like a frame start but was not.
func (d *FrameDecoder) Resyncs() uint64 {
	return d.resyncs
}

// Next extracts the next complete frame, or nil when more bytes are needed.
// The returned frame is the leading zero, the 3-byte header and the stuffed
// payload; the terminating zero stays buffered and doubles as the next
// frame's leading delimiter. A call that
// only resynchronizes past garbage also returns nil, so callers should loop
// until nil after every Write.
func (d *FrameDecoder) Next() []byte {
	for {
		switch d.state {
		case stateSeekDelimiter:
			z := bytes.IndexByte(d.buf, 0)
			if z < 0 {
				// Nothing before a delimiter is ever part of a frame.
				d.buf = d.buf[:0]
				return nil
			}
			d.advance(z)
			d.state = stateValidateHeader

		case stateValidateHeader:
			if len(d.buf) < frameHeaderLen {
				return nil
			}
			if d.buf[1] != frameHeader[0] || d.buf[2] != frameHeader[1] || d.buf[3] != frameHeader[2] {
				// Not a frame start. Drop up to the next zero so a valid
				// frame behind the garbage is not lost.
				d.resyncs++
				z := bytes.IndexByte(d.buf[1:], 0)
				if z < 0 {
					d.buf = d.buf[:0]
				} else {
					d.advance(z + 1)
				}
				d.state = stateSeekDelimiter
				return nil
			}
			d.state = stateAccumulatePayload

		case stateAccumulatePayload:
			t := bytes.IndexByte(d.buf[frameHeaderLen:], 0)
			if t < 0 {
				// Terminator not here yet; keep everything buffered.
				return nil
			}
			end := frameHeaderLen + t
			frame := make([]byte, end)
			copy(frame, d.buf[:end])
			d.advance(end)
			d.state = stateSeekDelimiter
			return frame
		}
	}
}

func (d *FrameDecoder) advance(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
}
