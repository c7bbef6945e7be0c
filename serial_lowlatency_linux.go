//go:build linux

package main

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// asyncLowLatency is the serial_struct flag asking the UART driver to push
// received bytes up immediately instead of batching on a timer. Without it
// FTDI-style adapters add up to 16ms of latency per read, which dwarfs the
// ranging round interval.
const asyncLowLatency = 0x2000

// serialStruct mirrors struct serial_struct from <linux/serial.h>.
type serialStruct struct {
	Type          int32
	Line          int32
	Port          uint32
	IRQ           int32
	Flags         int32
	XmitFifoSize  int32
	CustomDivisor int32
	BaudBase      int32
	CloseDelay    uint16
	IOType        byte
	ReservedChar  byte
	Hub6          int32
	ClosingWait   uint16
	ClosingWait2  uint16
	IOMemBase     uintptr
	IOMemRegShift uint16
	PortHigh      uint32
	IOMap         uint64
}

// enableLowLatency sets ASYNC_LOW_LATENCY on the tty.
func enableLowLatency(device string) error {
	f, err := os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var ss serialStruct
	if err := ioctlSerial(f.Fd(), unix.TIOCGSERIAL, &ss); err != nil {
		return fmt.Errorf("TIOCGSERIAL: %w", err)
	}
	if ss.Flags&asyncLowLatency != 0 {
		return nil
	}
	ss.Flags |= asyncLowLatency
	if err := ioctlSerial(f.Fd(), unix.TIOCSSERIAL, &ss); err != nil {
		return fmt.Errorf("TIOCSSERIAL: %w", err)
	}
	return nil
}

func ioctlSerial(fd uintptr, req uint, ss *serialStruct) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(unsafe.Pointer(ss)))
	if errno != 0 {
		return errno
	}
	return nil
}
