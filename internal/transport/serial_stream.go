package transport

import (
	"fmt"

	"github.com/elliott-bfs/cmdfu/internal/checksum"
	"github.com/elliott-bfs/cmdfu/internal/logging"
	"github.com/elliott-bfs/cmdfu/internal/mac"
)

// SerialStreamTransport is the byte-streamed variant of the serial framing:
// instead of materializing the whole frame, each encoded byte goes through
// the MAC as it is produced, so only one escape pair is buffered at a time.
// The wire bytes are identical to SerialTransport's.
//
// The trade-off is failure granularity: a MAC write error can leave a
// partial frame on the wire, which the client discards on its next resync.
type SerialStreamTransport struct {
	SerialTransport
}

// NewSerialStreamTransport wraps m in the streaming serial framing.
func NewSerialStreamTransport(m mac.MAC) *SerialStreamTransport {
	return &SerialStreamTransport{SerialTransport{mac: m}}
}

// Write frames p as START | esc(p) | esc(fcs) | END, one encoded byte pair
// at a time.
func (t *SerialStreamTransport) Write(p []byte) error {
	if len(p) > CmdPacketMaxSize {
		return fmt.Errorf("%w: %d byte packet", ErrBufferOverflow, len(p))
	}
	fcs := checksum.CRC16(p)
	logging.L().Debug("serial_tx_frame", "streamed", true, "payload_size", len(p))

	if err := writeFull(t.mac, []byte{frameStartCode}); err != nil {
		return fmt.Errorf("serial transport write: %w", err)
	}
	for _, b := range p {
		if err := t.writeEscaped(b); err != nil {
			return err
		}
	}
	if err := t.writeEscaped(byte(fcs)); err != nil {
		return err
	}
	if err := t.writeEscaped(byte(fcs >> 8)); err != nil {
		return err
	}
	if err := writeFull(t.mac, []byte{frameEndCode}); err != nil {
		return fmt.Errorf("serial transport write: %w", err)
	}
	return nil
}

func (t *SerialStreamTransport) writeEscaped(b byte) error {
	var pair [2]byte
	if err := writeFull(t.mac, appendEscaped(pair[:0], b)); err != nil {
		return fmt.Errorf("serial transport write: %w", err)
	}
	return nil
}

// Read is inherited from SerialTransport; both variants decode identically.
var _ Transport = (*SerialStreamTransport)(nil)
