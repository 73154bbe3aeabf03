package session

import (
	"errors"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tobleminer/uartboot/pkg/protocol"
)

// DebugSink receives the verbatim ASCII payload of unsolicited debug
// responses, in the order they arrive on the wire.
type DebugSink func(data []byte)

// byteReader is the subset of *link.Link the receiver needs; kept narrow so
// it can be faked in tests without a real serial port.
type byteReader interface {
	Read(buf []byte) (int, error)
	SetReadTimeout(d time.Duration) error
}

// receiver is the single long-lived consumer of the link. It parses frames,
// hands Debug-kind responses to the sink inline, and enqueues everything
// else for collection by identifier.
type receiver struct {
	link byteReader
	baud func() uint32
	sink DebugSink

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []protocol.Response
	stopped bool

	wg sync.WaitGroup
}

func newReceiver(link byteReader, baud func() uint32, sink DebugSink) *receiver {
	r := &receiver{link: link, baud: baud, sink: sink}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *receiver) start() {
	r.wg.Add(1)
	go r.run()
}

// stop signals the run loop to exit and blocks until it has returned. It
// must complete before the link is closed or reconfigured.
func (r *receiver) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *receiver) run() {
	defer r.wg.Done()

	sync1 := make([]byte, 1)
	for {
		r.mu.Lock()
		stopped := r.stopped
		r.mu.Unlock()
		if stopped {
			return
		}

		if err := r.link.SetReadTimeout(time.Second); err != nil {
			log.WithError(err).Debug("session: receiver: set sync read timeout")
		}

		n, err := r.link.Read(sync1)
		if err != nil && !errors.Is(err, io.EOF) {
			log.WithError(err).Debug("session: receiver: read error, retrying")
			continue
		}
		if n == 0 || sync1[0] != protocol.SyncByte {
			continue
		}

		resp, ok := r.readFrame()
		if !ok {
			continue
		}

		if resp.Kind == protocol.KindDebug {
			if r.sink != nil {
				r.sink(resp.Payload)
			}
			continue
		}

		r.mu.Lock()
		r.queue = append(r.queue, resp)
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

// readFrame reads the 13 header+CRC bytes and, if present, the payload+CRC
// bytes, and classifies the result. It returns ok=false for any corrupted
// frame, which the caller treats as "drop and continue".
func (r *receiver) readFrame() (protocol.Response, bool) {
	headerBuf := make([]byte, protocol.HeaderCRCLen)
	if !r.readExact(headerBuf, time.Second) {
		return protocol.Response{}, false
	}

	header, err := protocol.ParseHeader(headerBuf)
	if err != nil {
		log.WithError(err).Debug("session: receiver: dropping corrupt header")
		return protocol.Response{}, false
	}

	var payload []byte
	if header.PayloadLen > 0 {
		withCRC := make([]byte, header.PayloadLenWithCRC())
		baud := r.baud()
		timeout := time.Second
		if baud > 0 {
			timeout += time.Duration(float64(len(withCRC)) * 10 / float64(baud) * float64(time.Second))
		}
		if !r.readExact(withCRC, timeout) {
			return protocol.Response{}, false
		}
		payload, err = protocol.ValidatePayload(withCRC)
		if err != nil {
			log.WithError(err).Debug("session: receiver: dropping corrupt payload")
			return protocol.Response{}, false
		}
	}

	return protocol.Classify(header, payload), true
}

// readExact reads exactly len(buf) bytes, re-arming the per-byte timeout on
// every call into the link. A short read (timeout or error) fails the whole
// frame.
func (r *receiver) readExact(buf []byte, timeout time.Duration) bool {
	if err := r.link.SetReadTimeout(timeout); err != nil {
		log.WithError(err).Debug("session: receiver: set read timeout")
	}
	got := 0
	for got < len(buf) {
		n, err := r.link.Read(buf[got:])
		if err != nil && !errors.Is(err, io.EOF) {
			return false
		}
		if n == 0 {
			return false
		}
		got += n
	}
	return true
}

// awaitByID blocks until a response with the given id is queued or timeout
// elapses, rescanning the queue on every wake the way a condition variable
// wait loop must. Responses for other ids are left queued for their own
// waiters.
func (r *receiver) awaitByID(id uint32, timeout time.Duration) (protocol.Response, bool) {
	deadline := time.Now().Add(timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	if resp, ok := r.collect(id); ok {
		return resp, true
	}

	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	for {
		if !time.Now().Before(deadline) {
			return protocol.Response{}, false
		}
		r.cond.Wait()
		if resp, ok := r.collect(id); ok {
			return resp, true
		}
	}
}

// collect removes and returns the first queued response with the given id,
// or false if none is queued.
func (r *receiver) collect(id uint32) (protocol.Response, bool) {
	for i, resp := range r.queue {
		if resp.Header.ID == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return resp, true
		}
	}
	return protocol.Response{}, false
}
