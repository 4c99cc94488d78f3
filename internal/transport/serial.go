package transport

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/checksum"
	"github.com/elliott-bfs/cmdfu/internal/logging"
	"github.com/elliott-bfs/cmdfu/internal/mac"
	"github.com/elliott-bfs/cmdfu/internal/metrics"
	"github.com/elliott-bfs/cmdfu/internal/timeout"
)

// Serial framing codes. Payload bytes equal to any of them are replaced by
// escapeCode followed by the byte's ones' complement.
const (
	frameStartCode = 0x56
	frameEndCode   = 0x9E
	escapeCode     = 0xCC

	frameStartEsc = ^byte(frameStartCode)
	frameEndEsc   = ^byte(frameEndCode)
	escapeEsc     = ^byte(escapeCode)
)

// Worst case: every payload and FCS byte escaped, plus start and end codes.
const serialFrameMaxSize = 1 + (CmdPacketMaxSize+fcsSize)*2 + 1

// SerialTransport is the byte-stuffed streaming framing over a byte-stream
// MAC (UART or TCP tunnel). Frames are materialized in a scratch buffer and
// sent with a single MAC write.
type SerialTransport struct {
	mac     mac.MAC
	scratch [serialFrameMaxSize]byte
	rx      [ResponsePacketMaxSize + fcsSize]byte
}

// NewSerialTransport wraps m in the serial framing.
func NewSerialTransport(m mac.MAC) *SerialTransport {
	return &SerialTransport{mac: m}
}

func (t *SerialTransport) Open() error  { return t.mac.Open() }
func (t *SerialTransport) Close() error { return t.mac.Close() }

func appendEscaped(dst []byte, src ...byte) []byte {
	for _, b := range src {
		switch b {
		case frameStartCode:
			dst = append(dst, escapeCode, frameStartEsc)
		case frameEndCode:
			dst = append(dst, escapeCode, frameEndEsc)
		case escapeCode:
			dst = append(dst, escapeCode, escapeEsc)
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

// Write frames p as START | esc(p) | esc(fcs) | END and sends it in one MAC
// write so a partial-write failure fails the attempt atomically.
func (t *SerialTransport) Write(p []byte) error {
	if len(p) > CmdPacketMaxSize {
		return fmt.Errorf("%w: %d byte packet", ErrBufferOverflow, len(p))
	}
	fcs := checksum.CRC16(p)
	frame := append(t.scratch[:0], frameStartCode)
	frame = appendEscaped(frame, p...)
	frame = appendEscaped(frame, byte(fcs), byte(fcs>>8))
	frame = append(frame, frameEndCode)

	logging.L().Debug("serial_tx_frame", "size", len(frame), "payload_size", len(p))
	if err := writeFull(t.mac, frame); err != nil {
		return fmt.Errorf("serial transport write: %w", err)
	}
	return nil
}

// Read receives one frame into buf: resync to the start code, accumulate
// with inline escape decoding until the end code, then verify the FCS.
func (t *SerialTransport) Read(buf []byte, to time.Duration) (int, error) {
	var timer timeout.Timer
	timer.Arm(to)

	if err := t.discardUntilStart(&timer); err != nil {
		return 0, err
	}
	n, err := t.readFrame(&timer)
	if err != nil {
		return 0, err
	}
	if n < 3 { // at minimum one status byte plus the FCS
		metrics.IncMalformed()
		return 0, fmt.Errorf("%w: %d byte frame", ErrInvalidFrame, n)
	}
	payload := t.rx[:n-fcsSize]
	got := binary.LittleEndian.Uint16(t.rx[n-fcsSize : n])
	if want := checksum.CRC16(payload); got != want {
		metrics.IncChecksumError()
		logging.L().Debug("serial_fcs_mismatch", "calculated", want, "received", got)
		return 0, ErrChecksum
	}
	if len(buf) < len(payload) {
		return 0, fmt.Errorf("%w: %d byte payload", ErrBufferOverflow, len(payload))
	}
	copy(buf, payload)
	return len(payload), nil
}

// discardUntilStart consumes bytes until the start code. MAC read errors
// keep consuming until the deadline so the next call starts clean.
func (t *SerialTransport) discardUntilStart(timer *timeout.Timer) error {
	var b [1]byte
	for {
		n, err := t.mac.Read(b[:])
		if err != nil {
			logging.L().Debug("serial_resync_read_error", "error", err)
		} else if n == 1 && b[0] == frameStartCode {
			return nil
		}
		if timer.Expired() {
			metrics.IncTimeout()
			logging.L().Debug("serial_rx_timeout", "waiting_for", "frame start code")
			return ErrTimeout
		}
	}
}

// readFrame accumulates decoded bytes into the receive buffer until the end
// code. A lone escape code flags the next byte, which must be one of the
// three complements.
func (t *SerialTransport) readFrame(timer *timeout.Timer) (int, error) {
	var b [1]byte
	size := 0
	escaped := false
	for {
		if size == len(t.rx) {
			return 0, fmt.Errorf("%w: frame larger than %d bytes", ErrBufferOverflow, len(t.rx))
		}
		n, err := t.mac.Read(b[:])
		if err != nil {
			metrics.IncError(metrics.ErrMACRead)
			return 0, fmt.Errorf("serial transport read: %w", err)
		}
		if n == 1 {
			c := b[0]
			switch {
			case c == frameEndCode:
				return size, nil
			case escaped:
				escaped = false
				switch c {
				case frameStartEsc:
					t.rx[size] = frameStartCode
				case frameEndEsc:
					t.rx[size] = frameEndCode
				case escapeEsc:
					t.rx[size] = escapeCode
				default:
					metrics.IncMalformed()
					return 0, fmt.Errorf("%w: invalid code 0x%02x after escape code", ErrInvalidFrame, c)
				}
				size++
			case c == escapeCode:
				escaped = true
			default:
				t.rx[size] = c
				size++
			}
		}
		if timer.Expired() {
			metrics.IncTimeout()
			logging.L().Debug("serial_rx_timeout", "waiting_for", "frame end code")
			return 0, ErrTimeout
		}
	}
}

func writeFull(m mac.MAC, p []byte) error {
	for len(p) > 0 {
		n, err := m.Write(p)
		if err != nil {
			metrics.IncError(metrics.ErrMACWrite)
			return err
		}
		p = p[n:]
	}
	return nil
}
