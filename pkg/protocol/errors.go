package protocol

import "errors"

// Sentinel errors surfaced by the frame codec and the session layered on top
// of it. Layers above wrap these with fmt.Errorf("...: %w", ...) so callers
// can still errors.Is against the sentinel.
var (
	// ErrFrameCorruption covers a missing sync byte, a header or payload CRC
	// mismatch, or a response whose payload fails its variant's validator.
	ErrFrameCorruption = errors.New("protocol: corrupted frame")

	// ErrTimeout is returned when a request's reply did not arrive within
	// its allotted timeout.
	ErrTimeout = errors.New("protocol: timed out waiting for response")

	// ErrDeviceError is returned when a request's reply was classified as
	// an Error-kind Response.
	ErrDeviceError = errors.New("protocol: device returned an error response")

	// ErrPrecondition is returned when an operation's preconditions (e.g.
	// flash write alignment) fail before any frame is transmitted.
	ErrPrecondition = errors.New("protocol: precondition violated")
)
