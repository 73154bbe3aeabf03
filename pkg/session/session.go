// Package session implements the loader session protocol: framed,
// identifier-tagged, CRC-32-protected requests and responses layered over a
// serial link, with a concurrent receive path and in-band baud-rate
// renegotiation.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tobleminer/uartboot/pkg/link"
	"github.com/tobleminer/uartboot/pkg/protocol"
)

// Dispatched is a Command that has been assigned an identifier and written
// to the link; it's the handle used to await its reply.
type Dispatched struct {
	Cmd protocol.Command
	ID  uint32
}

// sessionLink is the subset of *link.Link the Session needs; kept narrow so
// it can be faked in tests without a real serial port.
type sessionLink interface {
	byteReader
	Write(data []byte) (int, error)
	SetBaud(baud uint32) error
	ResetInputBuffer() error
	Close() error
}

// Session presents synchronous request/response operations over a loader
// link. A single Session is meant to be driven by one caller goroutine at a
// time; the background receiver goroutine runs concurrently for the life of
// the Session.
type Session struct {
	link sessionLink

	writeMu sync.Mutex // guards frame writes only; link itself allows concurrent read/write

	idMu   sync.Mutex
	nextID uint32

	baud uint32 // read atomically via currentBaud; written only while receiver is stopped

	recv *receiver
	sink DebugSink
}

// Open opens devicePath at baud and starts the receiver. sink, if non-nil,
// receives unsolicited debug frame payloads.
func Open(devicePath string, baud uint32, sink DebugSink) (*Session, error) {
	l, err := link.Open(devicePath, baud, time.Second)
	if err != nil {
		return nil, err
	}
	return newSession(l, baud, sink), nil
}

// newSession wires up a Session around an already-open link and starts the
// receiver; split out from Open so tests can supply a fake link.
func newSession(l sessionLink, baud uint32, sink DebugSink) *Session {
	s := &Session{link: l, baud: baud, sink: sink}
	s.recv = newReceiver(l, s.currentBaud, sink)
	s.recv.start()
	return s
}

func (s *Session) currentBaud() uint32 {
	return atomic.LoadUint32(&s.baud)
}

// Close stops the receiver and closes the underlying link.
func (s *Session) Close() error {
	s.recv.stop()
	return s.link.Close()
}

// Send assigns the next identifier to cmd, encodes and writes the frame, and
// returns the handle used to await its reply. Identifiers are strictly
// monotonic and are not reused, even after a failed Await, until
// SetBaudrate resets the counter to zero.
func (s *Session) Send(cmd protocol.Command) (Dispatched, error) {
	s.idMu.Lock()
	id := s.nextID
	s.nextID++
	s.idMu.Unlock()

	frame := protocol.EncodeRequest(cmd.Code(), id, cmd.Payload())

	s.writeMu.Lock()
	_, err := s.link.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		return Dispatched{}, fmt.Errorf("session: write frame: %w", err)
	}

	log.WithFields(log.Fields{"id": id, "code": fmt.Sprintf("0x%02x", cmd.Code())}).Debug("session: dispatched command")
	return Dispatched{Cmd: cmd, ID: id}, nil
}

// Await blocks for the response matching dispatched's identifier. A zero
// timeout uses the command's own timeout policy at the current baud.
func (s *Session) Await(dispatched Dispatched, timeout time.Duration) (protocol.Response, error) {
	if timeout == 0 {
		timeout = dispatched.Cmd.Timeout(s.currentBaud())
	}

	resp, ok := s.recv.awaitByID(dispatched.ID, timeout)
	if !ok {
		return protocol.Response{}, fmt.Errorf("session: await id %d: %w", dispatched.ID, protocol.ErrTimeout)
	}
	return resp, nil
}

// Request is a convenience wrapper combining Send and Await with the
// command's own timeout policy.
func (s *Session) Request(cmd protocol.Command) (protocol.Response, error) {
	dispatched, err := s.Send(cmd)
	if err != nil {
		return protocol.Response{}, err
	}
	return s.Await(dispatched, 0)
}

// Ping sends a single Ping request and reports whether the reply was
// Sync-kind.
func (s *Session) Ping() bool {
	resp, err := s.Request(protocol.PingCommand{})
	if err != nil {
		return false
	}
	return resp.Kind == protocol.KindSync
}

// Sync issues Ping up to tries times, succeeding as soon as any reply is
// Sync-kind.
func (s *Session) Sync(tries int) bool {
	for attempt := 1; attempt <= tries; attempt++ {
		if s.Ping() {
			log.WithField("attempt", attempt).Debug("session: synchronized")
			return true
		}
	}
	return false
}

// SetBaudrate asks the loader to switch baud rates. Per the original
// source's documented semantics, the command is considered accepted unless
// an explicit Error-kind response is received — a positive Sync reply is
// not required before switching. On acceptance the receiver is torn down,
// the link's baud is changed, the queued-response buffer is cleared, the
// identifier counter resets to zero, and the receiver is restarted; the new
// baud is confirmed live with up to 5 Ping retries.
func (s *Session) SetBaudrate(baud uint32) bool {
	resp, err := s.Request(protocol.SetBaudrateCommand{Baud: baud})
	if err != nil {
		log.WithError(err).Debug("session: no reply to set baudrate request, proceeding anyway")
	} else if resp.Kind == protocol.KindError {
		log.Warn("session: loader rejected baud rate change")
		return false
	}

	s.recv.stop()

	if err := s.link.SetBaud(baud); err != nil {
		log.WithError(err).Error("session: failed to change link baud rate")
		return false
	}
	atomic.StoreUint32(&s.baud, baud)
	_ = s.link.ResetInputBuffer()

	s.idMu.Lock()
	s.nextID = 0
	s.idMu.Unlock()

	s.recv = newReceiver(s.link, s.currentBaud, s.sink)
	s.recv.start()

	return s.Sync(5)
}

// Baud returns the Session's current link baud rate.
func (s *Session) Baud() uint32 {
	return s.currentBaud()
}
