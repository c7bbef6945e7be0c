package main

import (
	"fmt"
	"log"

	"go.bug.st/serial"
)

// openAnchorPort opens and configures one anchor serial link: 8N1 at the
// configured baud rate, optional low-latency tty mode, input buffer cleared
// so decoding starts at live data instead of stale kernel buffer contents.
func openAnchorPort(device string, baud int, lowLatency bool) (serial.Port, error) {
	if lowLatency {
		// The flag lives on the tty, not the file descriptor, so it can be
		// set before the real open.
		if err := enableLowLatency(device); err != nil {
			log.Printf("SERIAL: low-latency mode unavailable on %s: %v", device, err)
		}
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to clear input buffer on %s: %w", device, err)
	}
	return port, nil
}
