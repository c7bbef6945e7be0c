package main

import (
	"bytes"
	"testing"
)

// collectFrames calls Next repeatedly, tolerating the nil returns the decoder
// uses to report resynchronization, and gathers every emitted frame.
func collectFrames(d *FrameDecoder, calls int) [][]byte {
	var frames [][]byte
	for i := 0; i < calls; i++ {
		if f := d.Next(); f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}

func TestFrameDecoderEmpty(t *testing.T) {
	var d FrameDecoder
	if f := d.Next(); f != nil {
		t.Fatalf("Next on empty decoder = % X, want nil", f)
	}
}

func TestFrameDecoderSingleFrame(t *testing.T) {
	var d FrameDecoder
	d.Write([]byte{0x00, 0xff, 0x01, 0x00, 0x02, 0x03, 0x00})

	frame := d.Next()
	want := []byte{0x00, 0xff, 0x01, 0x00, 0x02, 0x03}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % X, want % X", frame, want)
	}
	// The terminator stays buffered as the next frame's leading delimiter.
	if d.Buffered() != 1 {
		t.Fatalf("Buffered = %d, want 1", d.Buffered())
	}
	if f := d.Next(); f != nil {
		t.Fatalf("second Next = % X, want nil", f)
	}
}

func TestFrameDecoderIncrementalArrival(t *testing.T) {
	var d FrameDecoder

	d.Write([]byte{0x00, 0xff})
	if f := d.Next(); f != nil {
		t.Fatalf("partial header yielded a frame: % X", f)
	}
	d.Write([]byte{0x01, 0x00, 0x02})
	if f := d.Next(); f != nil {
		t.Fatalf("unterminated payload yielded a frame: % X", f)
	}
	d.Write([]byte{0x03, 0x00})
	frame := d.Next()
	want := []byte{0x00, 0xff, 0x01, 0x00, 0x02, 0x03}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % X, want % X", frame, want)
	}
}

func TestFrameDecoderDiscardsLeadingGarbage(t *testing.T) {
	var d FrameDecoder
	d.Write([]byte{0x30, 0x12, 0x53})
	if f := d.Next(); f != nil {
		t.Fatalf("garbage yielded a frame: % X", f)
	}
	// Nothing before a delimiter can start a frame, so it is all dropped.
	if d.Buffered() != 0 {
		t.Fatalf("Buffered = %d after garbage, want 0", d.Buffered())
	}

	d.Write([]byte{0x00, 0xff, 0x01, 0x00, 0x07, 0x00})
	frame := d.Next()
	want := []byte{0x00, 0xff, 0x01, 0x00, 0x07}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % X, want % X", frame, want)
	}
}

func TestFrameDecoderResyncOnBadHeader(t *testing.T) {
	var d FrameDecoder
	// A delimiter followed by a wrong header, then a valid frame.
	d.Write([]byte{0x00, 0xff, 0x00, 0x45, 0x7e, 0x00, 0xff, 0x01, 0x00, 0x09, 0x0a, 0x00})

	frames := collectFrames(&d, 5)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	want := []byte{0x00, 0xff, 0x01, 0x00, 0x09, 0x0a}
	if !bytes.Equal(frames[0], want) {
		t.Fatalf("frame = % X, want % X", frames[0], want)
	}
}

func TestFrameDecoderBackToBackFrames(t *testing.T) {
	var d FrameDecoder
	// The terminator of one frame doubles as the delimiter of the next.
	d.Write([]byte{0x00, 0xff, 0x01, 0x00, 0x02, 0x00, 0xff, 0x01, 0x00, 0x03, 0x00})

	frames := collectFrames(&d, 5)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], []byte{0x00, 0xff, 0x01, 0x00, 0x02}) {
		t.Errorf("frame 0 = % X", frames[0])
	}
	if !bytes.Equal(frames[1], []byte{0x00, 0xff, 0x01, 0x00, 0x03}) {
		t.Errorf("frame 1 = % X", frames[1])
	}
}

func TestFrameDecoderRealData(t *testing.T) {
	// Serial bytes captured from a live anchor: line noise, one complete
	// range report frame, more noise, then the truncated start of a second
	// frame.
	data := []byte{
		0x0, 0x30, 0x12, 0x53, 0x6a, 0x7f, 0x0, 0xff, 0x0, 0x45, 0x7e, 0x0, 0xff, 0x1, 0x0,
		0x52, 0x4e, 0x47, 0x34, 0x1, 0x60, 0xf0, 0xff, 0x1f, 0xf0, 0x3f, 0xff, 0x7e, 0xf0,
		0xff, 0x7c, 0xf0, 0xff, 0x79, 0xf0, 0xff, 0x73, 0xf0, 0xff, 0x67, 0xf0, 0xff, 0x4f,
		0xf0, 0xff, 0x1f, 0x0, 0x0, 0xff, 0x0, 0x30, 0x12, 0x59, 0x6a, 0x7f, 0x0, 0xff, 0x0,
		0x45, 0x7e, 0x0, 0xff, 0x0, 0x32, 0xd, 0x59, 0xea, 0xc5, 0xa, 0xa, 0x5f, 0x6c, 0x7e,
		0x0, 0xff, 0x1, 0x0, 0x52, 0x4e, 0x47, 0x99, 0x1, 0xa4, 0x20, 0xb5, 0xcd, 0x11, 0xa8,
		0x95, 0x53, 0x40, 0xda, 0x5f, 0x25, 0xe5, 0x98, 0x7a, 0x55, 0x40, 0x5, 0xa5, 0x2a,
		0xc6, 0x15, 0x23, 0x54, 0x40, 0xb0,
	}

	var d FrameDecoder
	d.Write(data)
	frames := collectFrames(&d, 20)

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	want := append([]byte{0x00, 0xff, 0x01, 0x00}, realStuffedPayload...)
	if !bytes.Equal(frames[0], want) {
		t.Fatalf("frame = % X\nwant    % X", frames[0], want)
	}
	// The second frame has no terminator yet; its bytes must stay buffered.
	if d.Buffered() == 0 {
		t.Fatal("truncated trailing frame was dropped instead of buffered")
	}

	msg, err := unstuff(frames[0][frameHeaderLen:])
	if err != nil {
		t.Fatalf("unstuff of recovered frame failed: %v", err)
	}
	if string(msg[:3]) != tagRange {
		t.Fatalf("recovered payload tag = %q, want %q", msg[:3], tagRange)
	}
}
