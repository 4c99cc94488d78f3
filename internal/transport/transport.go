// Package transport implements the MDFU framing layers above the byte-level
// MAC drivers: byte-stuffed serial, polled full-duplex SPI and polled
// half-duplex I²C.
package transport

import (
	"fmt"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/mac"
)

// Packet sizing shared by all transports and the protocol engine.
const (
	// MaxCommandDataLength is the host-side cap on MDFU command payloads.
	// Clients advertising a larger buffer are rejected before transfer.
	MaxCommandDataLength = 1024

	// MaxResponseDataLength caps MDFU response payloads (client info is the
	// largest response in practice).
	MaxResponseDataLength = 1024

	headerSize = 2 // sequence/flags byte + command/status byte

	// CmdPacketMaxSize is the largest encoded MDFU command packet.
	CmdPacketMaxSize = headerSize + MaxCommandDataLength

	// ResponsePacketMaxSize is the largest encoded MDFU response packet.
	ResponsePacketMaxSize = headerSize + MaxResponseDataLength

	fcsSize = 2
)

// Transport frames MDFU packets for one physical link. Implementations own
// their MAC exclusively and are not safe for concurrent use.
type Transport interface {
	Open() error
	Close() error
	// Write frames and transmits one MDFU packet.
	Write(p []byte) error
	// Read receives one MDFU packet into buf, returning its length. It
	// returns ErrTimeout if no complete frame arrived before the deadline.
	Read(buf []byte, timeout time.Duration) (int, error)
}

// InterTransactionDelaySetter is implemented by transports whose clients
// advertise a minimum quiet time between transactions (SPI, I²C). The
// engine asserts for it after parsing client info; absence is benign.
type InterTransactionDelaySetter interface {
	SetInterTransactionDelay(d time.Duration) error
}

// Kind selects a transport framing variant.
type Kind int

const (
	Serial Kind = iota
	SPI
	I2C
)

func (k Kind) String() string {
	switch k {
	case Serial:
		return "serial"
	case SPI:
		return "spi"
	case I2C:
		return "i2c"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// New builds the transport variant for kind on top of m.
func New(kind Kind, m mac.MAC) (Transport, error) {
	switch kind {
	case Serial:
		return NewSerialTransport(m), nil
	case SPI:
		return NewSPITransport(m), nil
	case I2C:
		return NewI2CTransport(m), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %d", int(kind))
	}
}
