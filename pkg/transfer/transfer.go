// Package transfer implements chunked, retry-wrapped flash and memory
// operations layered on top of a loader session: reading arbitrary ranges,
// writing aligned flash regions, and remote checksumming.
package transfer

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tobleminer/uartboot/pkg/protocol"
)

const (
	// SectorSize is the flash erase granularity.
	SectorSize = 4096
	// PageSize is the flash program granularity.
	PageSize = 256

	defaultChunkSize = 4096
	defaultRetries   = 5
)

// requester is the subset of *session.Session transfers need; kept narrow
// so tests can fake the session without a real link.
type requester interface {
	Request(cmd protocol.Command) (protocol.Response, error)
}

// ReadFlash reads length bytes of flash starting at address, in
// chunkSize-sized chunks (0 selects the 4096-byte default), retrying each
// chunk up to retries times (0 selects 5). If any chunk exhausts its
// retries, the whole read fails.
func ReadFlash(s requester, address, length uint32, chunkSize, retries int) ([]byte, error) {
	return readChunked(s, address, length, chunkSize, retries, func(addr, n uint32) protocol.Command {
		return protocol.ReadFlashCommand{Address: addr, Length: n}
	})
}

// ReadMem reads length bytes of memory starting at address, with the same
// chunking and retry behavior as ReadFlash.
func ReadMem(s requester, address, length uint32, chunkSize, retries int) ([]byte, error) {
	return readChunked(s, address, length, chunkSize, retries, func(addr, n uint32) protocol.Command {
		return protocol.ReadMemCommand{Address: addr, Length: n}
	})
}

func readChunked(s requester, address, length uint32, chunkSize, retries int, build func(addr, n uint32) protocol.Command) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if retries <= 0 {
		retries = defaultRetries
	}

	out := make([]byte, 0, length)
	addr := address
	remaining := length

	for remaining > 0 {
		readSize := uint32(chunkSize)
		if readSize > remaining {
			readSize = remaining
		}

		chunk, err := readChunkWithRetry(s, build(addr, readSize), retries)
		if err != nil {
			return nil, fmt.Errorf("transfer: read chunk at 0x%08x: %w", addr, err)
		}

		out = append(out, chunk...)
		addr += readSize
		remaining -= readSize
	}

	return out, nil
}

func readChunkWithRetry(s requester, cmd protocol.Command, retries int) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		resp, err := s.Request(cmd)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("attempt", attempt).Debug("transfer: chunk read failed, retrying")
			continue
		}
		if resp.Kind != protocol.KindSync {
			lastErr = fmt.Errorf("%w", protocol.ErrDeviceError)
			log.WithField("attempt", attempt).Debug("transfer: chunk read refused, retrying")
			continue
		}
		if len(resp.Payload) == 0 {
			lastErr = fmt.Errorf("%w", protocol.ErrDeviceError)
			log.WithField("attempt", attempt).Debug("transfer: chunk read returned empty payload, retrying")
			continue
		}
		return resp.Payload, nil
	}
	if lastErr == nil {
		lastErr = protocol.ErrTimeout
	}
	return nil, lastErr
}

// RemoteChecksum asks the device to CRC-32 a flash range and returns the
// result.
func RemoteChecksum(s requester, address, length uint32) (uint32, error) {
	resp, err := s.Request(protocol.RemoteFlashChecksumCommand{Address: address, Length: length})
	if err != nil {
		return 0, fmt.Errorf("transfer: remote checksum: %w", err)
	}
	if resp.Kind != protocol.KindChecksum {
		return 0, fmt.Errorf("transfer: remote checksum: %w", protocol.ErrDeviceError)
	}
	return resp.Value, nil
}

// WriteFlash writes data[offset:offset+length] to flash at offset. offset
// must be sector-aligned and offset+length must also be sector-aligned;
// violating either precondition returns ErrPrecondition without
// transmitting any frame. The write proceeds in two passes: erase every
// sector in range, then program every page in range.
func WriteFlash(s requester, offset, length uint32, data []byte) error {
	if offset%SectorSize != 0 || (offset+length)%SectorSize != 0 {
		return fmt.Errorf("transfer: write_flash offset=0x%x length=0x%x not sector-aligned: %w", offset, length, protocol.ErrPrecondition)
	}
	if uint32(len(data)) < offset+length {
		return fmt.Errorf("transfer: input buffer shorter than offset+length: %w", protocol.ErrPrecondition)
	}

	for sector := offset; sector < offset+length; sector += SectorSize {
		resp, err := s.Request(protocol.EraseFlashSectorCommand{Address: sector})
		if err != nil {
			return fmt.Errorf("transfer: erase sector 0x%08x: %w", sector, err)
		}
		if resp.Kind != protocol.KindSync {
			return fmt.Errorf("transfer: erase sector 0x%08x refused: %w", sector, protocol.ErrDeviceError)
		}
	}

	for page := offset; page < offset+length; page += PageSize {
		resp, err := s.Request(protocol.ProgramFlashPageCommand{Address: page, Data: data[page : page+PageSize]})
		if err != nil {
			return fmt.Errorf("transfer: program page 0x%08x: %w", page, err)
		}
		if resp.Kind != protocol.KindSync {
			return fmt.Errorf("transfer: program page 0x%08x refused: %w", page, protocol.ErrDeviceError)
		}
	}

	return nil
}
