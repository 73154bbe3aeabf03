// Package romboot drives the mask-ROM bootloader's byte-oriented,
// stop-and-wait handshake used to place a second-stage loader image in
// device RAM and transfer control to it.
package romboot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Wire literals for the ROM handshake.
const (
	STX  byte = 0x02
	SOH  byte = 0x01
	ACK  byte = 0x06
	NACK byte = 0x15

	// BaudRate is the fixed silicon ROM bootloader baud rate.
	BaudRate uint32 = 9600

	resetHoldTime = 100 * time.Millisecond
	stxTimeout    = 1 * time.Second
)

// Sentinel errors for the handshake's fatal conditions.
var (
	ErrBootloaderRefused = errors.New("romboot: bootloader refused (NACK)")
	ErrUnexpectedByte    = errors.New("romboot: unexpected byte from bootloader")
	ErrChecksumMismatch  = errors.New("romboot: payload checksum mismatch")
	ErrTimeout           = errors.New("romboot: timed out waiting for bootloader")
)

// romLink is the subset of *link.Link the ROM handshake needs; kept narrow
// so it can be faked in tests without a real serial port.
type romLink interface {
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
	SetReadTimeout(d time.Duration) error
	SetRTS(on bool) error
	SetDTR(on bool) error
}

// Bootrom drives the ROM upload protocol over a link already opened at
// BaudRate.
type Bootrom struct {
	link romLink
}

// New wraps an already-open link for ROM handshake use.
func New(l romLink) *Bootrom {
	return &Bootrom{link: l}
}

// Reset pulses the device's reset line: rts=1,dtr=0, hold, then rts=0.
func (b *Bootrom) Reset() error {
	if err := b.link.SetRTS(true); err != nil {
		return fmt.Errorf("romboot: assert rts: %w", err)
	}
	if err := b.link.SetDTR(false); err != nil {
		return fmt.Errorf("romboot: deassert dtr: %w", err)
	}
	time.Sleep(resetHoldTime)
	if err := b.link.SetRTS(false); err != nil {
		return fmt.Errorf("romboot: deassert rts: %w", err)
	}
	return nil
}

// enterBootloader asserts reset, then releases into bootloader mode:
// rts=1,dtr=0, hold, dtr=1,rts=0.
func (b *Bootrom) enterBootloader() error {
	if err := b.link.SetRTS(true); err != nil {
		return fmt.Errorf("romboot: assert rts: %w", err)
	}
	if err := b.link.SetDTR(false); err != nil {
		return fmt.Errorf("romboot: deassert dtr: %w", err)
	}
	time.Sleep(resetHoldTime)
	if err := b.link.SetDTR(true); err != nil {
		return fmt.Errorf("romboot: assert dtr: %w", err)
	}
	if err := b.link.SetRTS(false); err != nil {
		return fmt.Errorf("romboot: deassert rts: %w", err)
	}
	return nil
}

// UploadPayload drives the full handshake: release the device into
// bootloader mode, wait for STX (tolerating exactly one spurious STX before
// the header ACK, a bug-compatible quirk of the original tool — a second
// spurious STX is fatal), send the size header, stream the payload, verify
// the device's XOR checksum of it, and commit with ACK to start execution.
func (b *Bootrom) UploadPayload(payload []byte) error {
	if err := b.enterBootloader(); err != nil {
		return err
	}

	log.WithField("bytes", len(payload)).Info("romboot: uploading payload to SC14441 bootloader")

	if err := b.waitForSTX(); err != nil {
		return err
	}

	hdr := []byte{SOH, 0, 0}
	binary.LittleEndian.PutUint16(hdr[1:], uint16(len(payload)))
	if _, err := b.link.Write(hdr); err != nil {
		return fmt.Errorf("romboot: write size header: %w", err)
	}

	if err := b.waitForHeaderAck(); err != nil {
		return err
	}

	log.Debug("romboot: payload size accepted, sending data")
	if _, err := b.link.Write(payload); err != nil {
		return fmt.Errorf("romboot: write payload: %w", err)
	}

	var checksum byte
	for _, by := range payload {
		checksum ^= by
	}

	if err := b.link.SetReadTimeout(stxTimeout); err != nil {
		return fmt.Errorf("romboot: set read timeout: %w", err)
	}
	buf := make([]byte, 1)
	n, err := b.link.Read(buf)
	if err != nil {
		return fmt.Errorf("romboot: read payload checksum response: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("romboot: timed out waiting for response to payload: %w", ErrTimeout)
	}
	if buf[0] != checksum {
		return fmt.Errorf("romboot: response checksum 0x%02x != expected 0x%02x: %w", buf[0], checksum, ErrChecksumMismatch)
	}

	log.Debug("romboot: response checksum correct, starting payload")
	commit := []byte{ACK, 0x00}
	if _, err := b.link.Write(commit); err != nil {
		return fmt.Errorf("romboot: write commit: %w", err)
	}
	return nil
}

// UploadFile reads the second-stage image from path and uploads it.
func (b *Bootrom) UploadFile(path string, readFile func(string) ([]byte, error)) error {
	data, err := readFile(path)
	if err != nil {
		return fmt.Errorf("romboot: read loader image %s: %w", path, err)
	}
	return b.UploadPayload(data)
}

// waitForSTX reads one byte at a time, discarding anything that isn't STX,
// until STX is seen. There is no upper retry bound: it keeps waiting until
// STX arrives or a read returns an error.
func (b *Bootrom) waitForSTX() error {
	if err := b.link.SetReadTimeout(stxTimeout); err != nil {
		return fmt.Errorf("romboot: set read timeout: %w", err)
	}
	buf := make([]byte, 1)
	for {
		n, err := b.link.Read(buf)
		if err != nil {
			return fmt.Errorf("romboot: read waiting for STX: %w", err)
		}
		if n == 0 {
			log.Debug("romboot: timed out waiting for STX, retrying")
			continue
		}
		if buf[0] == STX {
			return nil
		}
		log.WithField("byte", fmt.Sprintf("0x%02x", buf[0])).Debug("romboot: unexpected byte from bootloader while waiting for STX")
	}
}

// waitForHeaderAck reads the bootloader's response to the size header,
// tolerating exactly one spurious STX before the ACK/NACK.
func (b *Bootrom) waitForHeaderAck() error {
	if err := b.link.SetReadTimeout(stxTimeout); err != nil {
		return fmt.Errorf("romboot: set read timeout: %w", err)
	}
	buf := make([]byte, 1)
	stxCount := 0
	for {
		n, err := b.link.Read(buf)
		if n == 0 || err != nil {
			return fmt.Errorf("romboot: timed out waiting for response to header: %w", ErrTimeout)
		}
		if stxCount > 1 {
			return fmt.Errorf("romboot: too many spurious STX bytes: %w", ErrBootloaderRefused)
		}

		switch buf[0] {
		case STX:
			stxCount++
			continue
		case ACK:
			return nil
		case NACK:
			return fmt.Errorf("romboot: bootloader refused payload: %w", ErrBootloaderRefused)
		default:
			return fmt.Errorf("romboot: unexpected response 0x%02x from bootloader: %w", buf[0], ErrUnexpectedByte)
		}
	}
}
