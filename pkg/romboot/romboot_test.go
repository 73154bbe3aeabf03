package romboot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeROMLink is an in-memory stand-in for *link.Link satisfying romLink.
// Reads are served from a preloaded byte queue; a queue exhausted before a
// timeout elapses returns (0, nil), matching the real link's timeout
// contract.
type fakeROMLink struct {
	mu      sync.Mutex
	queue   []byte
	writes  [][]byte
	rts     []bool
	dtr     []bool
	timeout time.Duration
}

func (f *fakeROMLink) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return 0, nil
	}
	n := copy(buf, f.queue)
	f.queue = f.queue[n:]
	return n, nil
}

func (f *fakeROMLink) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (f *fakeROMLink) SetReadTimeout(d time.Duration) error {
	f.mu.Lock()
	f.timeout = d
	f.mu.Unlock()
	return nil
}

func (f *fakeROMLink) SetRTS(on bool) error {
	f.mu.Lock()
	f.rts = append(f.rts, on)
	f.mu.Unlock()
	return nil
}

func (f *fakeROMLink) SetDTR(on bool) error {
	f.mu.Lock()
	f.dtr = append(f.dtr, on)
	f.mu.Unlock()
	return nil
}

func (f *fakeROMLink) queueBytes(b ...byte) {
	f.mu.Lock()
	f.queue = append(f.queue, b...)
	f.mu.Unlock()
}

func TestResetPulsesRTSThenDTRThenRTS(t *testing.T) {
	link := &fakeROMLink{}
	b := New(link)

	require.NoError(t, b.Reset())
	assert.Equal(t, []bool{true, false}, link.rts)
	assert.Equal(t, []bool{false}, link.dtr)
}

func TestUploadPayloadHappyPath(t *testing.T) {
	link := &fakeROMLink{}
	link.queueBytes(STX) // waitForSTX
	link.queueBytes(ACK) // waitForHeaderAck

	payload := []byte{0x01, 0x02, 0x03}
	var checksum byte
	for _, by := range payload {
		checksum ^= by
	}
	link.queueBytes(checksum) // device echoes the XOR checksum

	b := New(link)
	require.NoError(t, b.UploadPayload(payload))

	require.Len(t, link.writes, 3) // size header, payload, commit
	assert.Equal(t, byte(SOH), link.writes[0][0])
	assert.Equal(t, payload, link.writes[1])
	assert.Equal(t, []byte{ACK, 0x00}, link.writes[2])
}

func TestUploadPayloadTolerectsOneSpuriousSTXBeforeAck(t *testing.T) {
	link := &fakeROMLink{}
	link.queueBytes(STX)
	link.queueBytes(STX, ACK) // one spurious STX, then the real ack

	payload := []byte{0xAA}
	link.queueBytes(payload[0] ^ 0) // checksum of single-byte payload is itself

	b := New(link)
	require.NoError(t, b.UploadPayload(payload))
}

func TestUploadPayloadFatalOnSecondSpuriousSTX(t *testing.T) {
	link := &fakeROMLink{}
	link.queueBytes(STX)
	link.queueBytes(STX, STX, ACK) // two spurious STXs before the ack: fatal

	b := New(link)
	err := b.UploadPayload([]byte{0x01})
	assert.ErrorIs(t, err, ErrBootloaderRefused)
}

func TestUploadPayloadNackIsRefused(t *testing.T) {
	link := &fakeROMLink{}
	link.queueBytes(STX)
	link.queueBytes(NACK)

	b := New(link)
	err := b.UploadPayload([]byte{0x01})
	assert.ErrorIs(t, err, ErrBootloaderRefused)
}

func TestUploadPayloadChecksumMismatch(t *testing.T) {
	link := &fakeROMLink{}
	link.queueBytes(STX)
	link.queueBytes(ACK)
	link.queueBytes(0xFF) // wrong checksum for a zero payload

	b := New(link)
	err := b.UploadPayload([]byte{0x00})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}
