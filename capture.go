package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Raw stream capture: every byte read from a serial link is appended to a
// zstd-compressed per-stream file, so framing or unstuffing bugs seen in the
// field can be reproduced offline by replaying the capture through the
// identical pipeline.

// captureFilePattern names per-stream capture files; the glob below must
// match it.
const (
	captureFilePattern = "stream-%02d-%s.bin.zst"
	captureFileGlob    = "stream-*.bin.zst"
)

// CaptureWriter appends raw stream bytes to a compressed capture file.
type CaptureWriter struct {
	file *os.File
	enc  *zstd.Encoder
}

// NewCaptureWriter creates the capture file for one stream index.
func NewCaptureWriter(dir string, stream int) (*CaptureWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	name := fmt.Sprintf(captureFilePattern, stream, time.Now().UTC().Format("20060102T150405Z"))
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &CaptureWriter{file: f, enc: enc}, nil
}

// Write appends raw bytes to the capture. Capture failures must never stall
// the pipeline, so errors are logged and swallowed.
func (w *CaptureWriter) Write(p []byte) {
	if w == nil {
		return
	}
	if _, err := w.enc.Write(p); err != nil {
		log.Printf("CAPTURE ERROR: write to %s failed: %v", w.file.Name(), err)
	}
}

// Close flushes the compressor and closes the file.
func (w *CaptureWriter) Close() error {
	if w == nil {
		return nil
	}
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// replayStream adapts a compressed capture file to the byte-stream source
// interface the pipeline reads from.
type replayStream struct {
	file *os.File
	dec  *zstd.Decoder
}

func (r *replayStream) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *replayStream) Close() error {
	r.dec.Close()
	return r.file.Close()
}

// OpenReplayStreams opens every capture file in dir, sorted by name so the
// stream-NN prefix preserves the original anchor slot order.
func OpenReplayStreams(dir string) ([]io.ReadCloser, error) {
	names, err := filepath.Glob(filepath.Join(dir, captureFileGlob))
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no capture files in %s", dir)
	}
	sort.Strings(names)

	streams := make([]io.ReadCloser, 0, len(names))
	for _, name := range names {
		f, err := os.Open(name)
		if err != nil {
			closeAll(streams)
			return nil, err
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			closeAll(streams)
			return nil, fmt.Errorf("failed to open capture %s: %w", name, err)
		}
		streams = append(streams, &replayStream{file: f, dec: dec})
	}
	return streams, nil
}

func closeAll(streams []io.ReadCloser) {
	for _, s := range streams {
		s.Close()
	}
}
