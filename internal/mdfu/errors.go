package mdfu

import "errors"

// Fatal error categories surfaced by the protocol engine. Transport-level
// failures (timeout, checksum, invalid frame) are retried within the
// per-command budget and only surface once the budget is exhausted.
var (
	// ErrProtocol is returned when the client reports a non-Success status.
	// Not retried: the client's view of the session has diverged.
	ErrProtocol = errors.New("mdfu: client reported failure")

	// ErrParse is returned for malformed client info, an unsupported
	// client protocol version or a client buffer exceeding the host limit.
	ErrParse = errors.New("mdfu: client info error")

	// ErrImageInvalid is returned when Get Image State reports anything
	// but a valid image. The session aborts without an End Transfer.
	ErrImageInvalid = errors.New("mdfu: client reported invalid image")

	// ErrUnexpectedSequence marks a response whose sequence number does
	// not match the command's. Retried within the budget like a corrupt
	// frame.
	ErrUnexpectedSequence = errors.New("mdfu: unexpected sequence number in response")
)
