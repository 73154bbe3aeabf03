// Package link wraps a serial port as the byte-oriented, full-duplex
// transport shared by the ROM upload handshake and the loader session
// protocol.
package link

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Link is a configurable serial transport: read timeout and baud rate can be
// changed on an already-open port, and the device reset lines (RTS/DTR) can
// be driven directly.
type Link struct {
	port serial.Port
	baud uint32
}

// Open opens devicePath at baud with 8 data bits, no parity, one stop bit,
// and an initial read timeout of readTimeout.
func Open(devicePath string, baud uint32, readTimeout time.Duration) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: int(baud),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", devicePath, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return &Link{port: port, baud: baud}, nil
}

// Read reads up to len(buf) bytes, blocking until at least one byte arrives
// or the configured read timeout elapses. A timeout is reported as n == 0,
// err == nil, matching go.bug.st/serial's convention.
func (l *Link) Read(buf []byte) (int, error) {
	return l.port.Read(buf)
}

// Write writes data in a single call.
func (l *Link) Write(data []byte) (int, error) {
	return l.port.Write(data)
}

// SetReadTimeout reconfigures the per-Read timeout.
func (l *Link) SetReadTimeout(d time.Duration) error {
	return l.port.SetReadTimeout(d)
}

// Baud returns the currently configured baud rate.
func (l *Link) Baud() uint32 {
	return l.baud
}

// SetBaud changes the baud rate of an already-open port.
func (l *Link) SetBaud(baud uint32) error {
	mode := &serial.Mode{
		BaudRate: int(baud),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := l.port.SetMode(mode); err != nil {
		return fmt.Errorf("set baud rate to %d: %w", baud, err)
	}
	l.baud = baud
	return nil
}

// SetRTS drives the RTS control line.
func (l *Link) SetRTS(on bool) error {
	return l.port.SetRTS(on)
}

// SetDTR drives the DTR control line.
func (l *Link) SetDTR(on bool) error {
	return l.port.SetDTR(on)
}

// ResetInputBuffer discards any bytes already buffered for read, used after a
// baud change to drop bytes the device sent while still transmitting at the
// old rate.
func (l *Link) ResetInputBuffer() error {
	return l.port.ResetInputBuffer()
}

// Close closes the underlying port.
func (l *Link) Close() error {
	return l.port.Close()
}
