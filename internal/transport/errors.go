package transport

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrTimeout is returned when no complete frame arrived before the
	// read deadline.
	ErrTimeout = errors.New("transport: timeout")

	// ErrInvalidFrame is returned for malformed frames: bad escape
	// sequence, too-short frame, wrong prefix or frame type.
	ErrInvalidFrame = errors.New("transport: invalid frame")

	// ErrChecksum is returned when a frame check sequence does not match.
	ErrChecksum = errors.New("transport: frame check sequence mismatch")

	// ErrBufferOverflow is returned when an incoming frame exceeds the
	// configured buffer. Not retriable: the same frame would overflow again.
	ErrBufferOverflow = errors.New("transport: frame exceeds buffer")
)

// Retriable reports whether a transport error is worth another attempt
// within the per-command retry budget. Timeouts, malformed frames, checksum
// mismatches and transient MAC failures are; a buffer overflow is not.
func Retriable(err error) bool {
	return err != nil && !errors.Is(err, ErrBufferOverflow)
}
