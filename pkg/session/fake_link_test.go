package session

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/tobleminer/uartboot/pkg/protocol"
)

// fakeLink is a minimal in-memory stand-in for *link.Link, satisfying both
// byteReader and sessionLink. feed enqueues wire bytes for a
// goroutine's Read calls to drain; written bytes are recorded for assertion.
type fakeLink struct {
	mu      sync.Mutex
	buf     []byte
	timeout time.Duration
	closed  bool
	baud    uint32
	writes  [][]byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{timeout: time.Second}
}

func (f *fakeLink) Read(p []byte) (int, error) {
	f.mu.Lock()
	timeout := f.timeout
	f.mu.Unlock()
	deadline := time.Now().Add(timeout)

	for {
		f.mu.Lock()
		if len(f.buf) > 0 {
			n := copy(p, f.buf)
			f.buf = f.buf[n:]
			f.mu.Unlock()
			return n, nil
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeLink) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return len(data), nil
}

func (f *fakeLink) SetReadTimeout(d time.Duration) error {
	f.mu.Lock()
	f.timeout = d
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) SetBaud(baud uint32) error {
	f.mu.Lock()
	f.baud = baud
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) ResetInputBuffer() error {
	f.mu.Lock()
	f.buf = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) feed(data []byte) {
	f.mu.Lock()
	f.buf = append(f.buf, data...)
	f.mu.Unlock()
}

func (f *fakeLink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// encodeResponseFrame builds the wire bytes of a response frame using the
// receive-side CRC seeding (sync byte prepended before the header CRC).
func encodeResponseFrame(code byte, id uint32, payload []byte) []byte {
	header := make([]byte, protocol.HeaderLen)
	header[0] = code
	binary.LittleEndian.PutUint32(header[1:5], id)
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(payload)))

	seeded := append([]byte{protocol.SyncByte}, header...)
	headerCRC := crc32.ChecksumIEEE(seeded)

	out := make([]byte, 0, 1+protocol.HeaderCRCLen+len(payload)+4)
	out = append(out, protocol.SyncByte)
	out = append(out, header...)
	out = binary.LittleEndian.AppendUint32(out, headerCRC)

	if len(payload) > 0 {
		out = append(out, payload...)
		payloadCRC := crc32.ChecksumIEEE(payload)
		out = binary.LittleEndian.AppendUint32(out, payloadCRC)
	}
	return out
}
