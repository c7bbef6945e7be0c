package main

import (
	"bytes"
	"errors"
	"testing"
)

// realStuffedPayload is a stuffed range report payload captured from anchor
// firmware over the serial link.
var realStuffedPayload = []byte{
	0x52, 0x4e, 0x47, 0x34, 0x01, 0x60, 0xf0, 0xff, 0x1f, 0xf0, 0x3f,
	0xff, 0x7e, 0xf0, 0xff, 0x7c, 0xf0, 0xff, 0x79, 0xf0, 0xff, 0x73,
	0xf0, 0xff, 0x67, 0xf0, 0xff, 0x4f, 0xf0, 0xff, 0x1f,
}

func TestUnstuffRealPayload(t *testing.T) {
	msg, err := unstuff(realStuffedPayload)
	if err != nil {
		t.Fatalf("unstuff failed: %v", err)
	}
	if len(msg) != 70 {
		t.Fatalf("decoded %d bytes, want 70", len(msg))
	}
	// Head chunk: type tag plus the little-endian tag address 0x0134.
	head := []byte{0x52, 0x4e, 0x47, 0x34, 0x01, 0x00, 0x00}
	if !bytes.Equal(msg[:7], head) {
		t.Errorf("head chunk = % X, want % X", msg[:7], head)
	}
	// Tail chunk: the high bytes of an out-of-range sentinel distance.
	tail := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0xf0, 0xff}
	if !bytes.Equal(msg[63:], tail) {
		t.Errorf("tail chunk = % X, want % X", msg[63:], tail)
	}
}

func TestStuffUnstuffRoundTrip(t *testing.T) {
	cases := [][]byte{
		{0x01},
		{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
		{0x00},
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00, 0x05},
		{0xff, 0xfe, 0xfd, 0x00, 0x00, 0x00, 0x01, 0x02},
		bytes.Repeat([]byte{0x41}, 140), // crosses the single-run length limit
		bytes.Repeat([]byte{0x41}, 200),
	}
	for _, msg := range cases {
		stuffed := stuff(msg)
		if bytes.IndexByte(stuffed, 0) >= 0 {
			t.Errorf("stuff(% X) contains a zero byte: % X", msg, stuffed)
			continue
		}
		got, err := unstuff(stuffed)
		if err != nil {
			t.Errorf("unstuff(stuff(% X)) failed: %v", msg, err)
			continue
		}
		// Decoding restores the message padded to a multiple of 7.
		want := len(msg)
		if r := want % 7; r != 0 {
			want += 7 - r
		}
		if len(got) != want {
			t.Errorf("decoded %d bytes for a %d byte message, want %d", len(got), len(msg), want)
			continue
		}
		if !bytes.Equal(got[:len(msg)], msg) {
			t.Errorf("round trip mismatch: got % X want % X", got[:len(msg)], msg)
		}
		for _, b := range got[len(msg):] {
			if b != 0 {
				t.Errorf("non-zero pad byte in % X", got)
				break
			}
		}
	}
}

func TestUnstuffEmpty(t *testing.T) {
	msg, err := unstuff(nil)
	if err != nil {
		t.Fatalf("unstuff(nil) failed: %v", err)
	}
	if len(msg) != 0 {
		t.Fatalf("unstuff(nil) = % X, want empty", msg)
	}
}

func TestUnstuffMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"control zero", []byte{0x01, 0x00}, errUnstuffByte},
		{"control 0xFF", []byte{0x01, 0xff}, errUnstuffByte},
		{"chunk literals missing", []byte{0x40}, errUnstuffTruncated},
		{"run literals missing", []byte{0x01, 0x02, 0x80}, errUnstuffTruncated},
	}
	for _, tc := range cases {
		_, err := unstuff(tc.in)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: unstuff(% X) error = %v, want %v", tc.name, tc.in, err, tc.want)
		}
	}
}

func TestUnstuffAllZerosChunk(t *testing.T) {
	// 0x7F is a mask chunk with every position zeroed: no literals needed.
	msg, err := unstuff([]byte{0x7f})
	if err != nil {
		t.Fatalf("unstuff failed: %v", err)
	}
	if !bytes.Equal(msg, make([]byte, 7)) {
		t.Fatalf("unstuff(0x7F) = % X, want seven zeros", msg)
	}
}
