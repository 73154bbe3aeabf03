package protocol

import (
	"encoding/binary"
	"time"
)

// Command codes understood by the loader session.
const (
	CodePing                byte = 0x00
	CodeSetBaudrate         byte = 0x01
	CodeFlashInfo           byte = 0x02
	CodeEraseFlashSector    byte = 0x03
	CodeProgramFlashPage    byte = 0x04
	CodeReadFlash           byte = 0x06
	CodeRemoteFlashChecksum byte = 0x07
	CodeChipID              byte = 0x08
	CodeReadMem             byte = 0x09
)

// Command is an immutable request: a command code, an optional payload, and
// a timeout policy keyed by the current link baud rate.
type Command interface {
	Code() byte
	Payload() []byte
	Timeout(baud uint32) time.Duration
}

const baseTimeout = 1 * time.Second

// transferTimeout approximates bytes-per-second under 8-N-1 framing as
// baud/10 and doubles it to account for request and response travel, per
// SPEC_FULL.md §6.3.
func transferTimeout(baud uint32, length int) time.Duration {
	if baud == 0 {
		return baseTimeout
	}
	bytesPerSec := float64(baud) / 10
	seconds := 2 * float64(length) / bytesPerSec
	return baseTimeout + time.Duration(seconds*float64(time.Second))
}

// PingCommand checks for a live loader.
type PingCommand struct{}

func (PingCommand) Code() byte                        { return CodePing }
func (PingCommand) Payload() []byte                   { return nil }
func (PingCommand) Timeout(baud uint32) time.Duration { return baseTimeout }

// SetBaudrateCommand asks the loader to switch the UART to a new baud rate.
type SetBaudrateCommand struct {
	Baud uint32
}

func (c SetBaudrateCommand) Code() byte { return CodeSetBaudrate }
func (c SetBaudrateCommand) Payload() []byte {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, c.Baud)
	return p
}
func (SetBaudrateCommand) Timeout(baud uint32) time.Duration { return baseTimeout }

// FlashInfoCommand queries flash geometry.
type FlashInfoCommand struct{}

func (FlashInfoCommand) Code() byte                        { return CodeFlashInfo }
func (FlashInfoCommand) Payload() []byte                   { return nil }
func (FlashInfoCommand) Timeout(baud uint32) time.Duration { return baseTimeout }

// ChipIDCommand queries the chip identity.
type ChipIDCommand struct{}

func (ChipIDCommand) Code() byte                        { return CodeChipID }
func (ChipIDCommand) Payload() []byte                   { return nil }
func (ChipIDCommand) Timeout(baud uint32) time.Duration { return baseTimeout }

// EraseFlashSectorCommand erases the 4096-byte sector containing Address.
type EraseFlashSectorCommand struct {
	Address uint32
}

func (c EraseFlashSectorCommand) Code() byte { return CodeEraseFlashSector }
func (c EraseFlashSectorCommand) Payload() []byte {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, c.Address)
	return p
}
func (EraseFlashSectorCommand) Timeout(baud uint32) time.Duration {
	return baseTimeout + 500*time.Millisecond
}

// ProgramFlashPageCommand writes a 256-byte page at Address.
type ProgramFlashPageCommand struct {
	Address uint32
	Data    []byte
}

func (c ProgramFlashPageCommand) Code() byte { return CodeProgramFlashPage }
func (c ProgramFlashPageCommand) Payload() []byte {
	p := make([]byte, 4, 4+len(c.Data))
	binary.LittleEndian.PutUint32(p, c.Address)
	return append(p, c.Data...)
}
func (c ProgramFlashPageCommand) Timeout(baud uint32) time.Duration {
	return transferTimeout(baud, len(c.Data)) + 3*time.Millisecond
}

// ReadFlashCommand reads Length bytes of flash starting at Address.
type ReadFlashCommand struct {
	Address uint32
	Length  uint32
}

func (c ReadFlashCommand) Code() byte { return CodeReadFlash }
func (c ReadFlashCommand) Payload() []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p[0:4], c.Address)
	binary.LittleEndian.PutUint32(p[4:8], c.Length)
	return p
}
func (c ReadFlashCommand) Timeout(baud uint32) time.Duration {
	return transferTimeout(baud, int(c.Length))
}

// ReadMemCommand reads Length bytes of memory starting at Address.
type ReadMemCommand struct {
	Address uint32
	Length  uint32
}

func (c ReadMemCommand) Code() byte { return CodeReadMem }
func (c ReadMemCommand) Payload() []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p[0:4], c.Address)
	binary.LittleEndian.PutUint32(p[4:8], c.Length)
	return p
}
func (c ReadMemCommand) Timeout(baud uint32) time.Duration {
	return transferTimeout(baud, int(c.Length))
}

// RemoteFlashChecksumCommand asks the loader to CRC-32 a flash range.
type RemoteFlashChecksumCommand struct {
	Address uint32
	Length  uint32
}

func (c RemoteFlashChecksumCommand) Code() byte { return CodeRemoteFlashChecksum }
func (c RemoteFlashChecksumCommand) Payload() []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p[0:4], c.Address)
	binary.LittleEndian.PutUint32(p[4:8], c.Length)
	return p
}
func (c RemoteFlashChecksumCommand) Timeout(baud uint32) time.Duration {
	return baseTimeout + time.Duration(float64(c.Length)*8/100000*float64(time.Second))
}
