package main

import (
	"errors"
	"fmt"
)

// rzCOBS zero-suppression codec used by the anchor firmware.
//
// The firmware removes every literal zero byte from a payload so that zero
// can delimit frames on the wire. Payloads are processed in 7-byte chunks:
// a chunk containing zeros is encoded as its non-zero bytes followed by a
// control byte 0x01..0x7F whose set bits mark the zero positions; runs of
// all-non-zero bytes are encoded as the bytes themselves followed by a
// control byte 0x80..0xFE carrying the run length minus 7. Control bytes
// trail the data they describe, so decoding walks the buffer back-to-front.
// Payloads are zero-padded to a multiple of 7 before encoding; decoded
// output may therefore carry up to 6 trailing pad zeros, which fixed-layout
// record parsers ignore.

var (
	errUnstuffByte      = errors.New("unstuff: invalid control byte")
	errUnstuffTruncated = errors.New("unstuff: truncated payload")
)

const maxLiteralRun = 133 // longest run a single 0x80..0xFE control byte can describe

// unstuff reverses the firmware's zero-suppression. The input must be a
// complete stuffed payload with no zero bytes in it.
func unstuff(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)+len(data)/7+7)

	i := len(data) - 1
	for i >= 0 {
		ctrl := data[i]
		switch {
		case ctrl == 0x00 || ctrl == 0xFF:
			return nil, fmt.Errorf("%w: 0x%02X at offset %d", errUnstuffByte, ctrl, i)

		case ctrl < 0x80:
			// Masked chunk: set bit = zero byte at that chunk position.
			for j := 0; j < 7; j++ {
				if ctrl&(1<<(6-j)) != 0 {
					out = append(out, 0)
					continue
				}
				i--
				if i < 0 {
					return nil, errUnstuffTruncated
				}
				if data[i] == 0 {
					return nil, fmt.Errorf("%w: literal zero at offset %d", errUnstuffByte, i)
				}
				out = append(out, data[i])
			}

		default:
			// Literal run of (ctrl&0x7F)+7 non-zero bytes.
			n := int(ctrl&0x7F) + 7
			for j := 0; j < n; j++ {
				i--
				if i < 0 {
					return nil, errUnstuffTruncated
				}
				if data[i] == 0 {
					return nil, fmt.Errorf("%w: literal zero at offset %d", errUnstuffByte, i)
				}
				out = append(out, data[i])
			}
		}
		i--
	}

	// The walk was back-to-front; restore wire order.
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

// stuff applies the firmware's zero-suppression. Used by tests and the
// capture replay tooling; the gateway itself only decodes.
func stuff(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+len(msg)/7+2)
	run := 0 // literal bytes accumulated in the pending all-non-zero run

	var lit [7]byte
	for off := 0; off < len(msg); off += 7 {
		var mask byte
		n := 0
		for j := 0; j < 7; j++ {
			var b byte
			if off+j < len(msg) {
				b = msg[off+j]
			}
			if b == 0 {
				mask |= 1 << j
			} else {
				lit[n] = b
				n++
			}
		}

		if mask == 0 {
			out = append(out, lit[:n]...)
			run += 7
			if run == maxLiteralRun {
				out = append(out, 0x80|byte(run-7))
				run = 0
			}
			continue
		}

		// The pending run's control byte goes before this chunk's literals.
		if run > 0 {
			out = append(out, 0x80|byte(run-7))
			run = 0
		}
		out = append(out, lit[:n]...)
		out = append(out, mask)
	}

	if run > 0 {
		out = append(out, 0x80|byte(run-7))
	}
	return out
}
