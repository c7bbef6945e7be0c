//go:build !linux

package main

import "errors"

// Low-latency tty mode is a Linux UART driver feature.
func enableLowLatency(device string) error {
	return errors.New("low-latency serial mode is only supported on Linux")
}
