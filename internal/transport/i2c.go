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

// I²C response frame markers and layout.
const (
	i2cFrameTypeLength   = 'L'
	i2cFrameTypeResponse = 'R'

	i2cLengthFrameSize = 5 // 'L' + 2 length bytes + 2 FCS bytes
)

const i2cDefaultITD = 10 * time.Millisecond

const i2cFrameMaxSize = 1 + ResponsePacketMaxSize + fcsSize

// I2CTransport is the polled half-duplex framing over an i2c-dev style MAC.
// Writes and reads are separate bus transactions; each direction carries
// its own FCS.
type I2CTransport struct {
	mac      mac.MAC
	itdTimer timeout.Timer
	itd      time.Duration
	buf      [i2cFrameMaxSize]byte
}

// NewI2CTransport wraps m in the I²C framing.
func NewI2CTransport(m mac.MAC) *I2CTransport {
	return &I2CTransport{mac: m, itd: i2cDefaultITD}
}

func (t *I2CTransport) Open() error  { return t.mac.Open() }
func (t *I2CTransport) Close() error { return t.mac.Close() }

// SetInterTransactionDelay adopts the client-advertised minimum quiet time
// between bus transactions.
func (t *I2CTransport) SetInterTransactionDelay(d time.Duration) error {
	t.itd = d
	return nil
}

// Write sends one command frame: payload | fcs. MAC write errors are masked
// per the MDFU spec; a lost command surfaces as a timeout on the following
// response poll.
func (t *I2CTransport) Write(p []byte) error {
	if len(p) > CmdPacketMaxSize {
		return fmt.Errorf("%w: %d byte packet", ErrBufferOverflow, len(p))
	}
	frame := append(t.buf[:0], p...)
	fcs := checksum.CRC16(p)
	frame = append(frame, byte(fcs), byte(fcs>>8))

	t.itdTimer.Wait()
	logging.L().Debug("i2c_tx_frame", "size", len(frame))
	if _, err := t.mac.Write(frame); err != nil {
		metrics.IncError(metrics.ErrMACWrite)
		logging.L().Debug("i2c_tx_error_masked", "error", err)
	}
	t.itdTimer.Arm(t.itd)
	return nil
}

// Read polls the client for its 5-byte length frame, then reads the
// response frame of exactly 1+length bytes. The advertised length counts
// the response's own FCS.
func (t *I2CTransport) Read(buf []byte, to time.Duration) (int, error) {
	var timer timeout.Timer
	timer.Arm(to)

	length, err := t.pollResponseLength(&timer)
	if err != nil {
		return 0, err
	}
	return t.pollResponse(&timer, length, buf)
}

func (t *I2CTransport) pollResponseLength(timer *timeout.Timer) (int, error) {
	frame := t.buf[:i2cLengthFrameSize]
	for {
		t.itdTimer.Wait()
		n, err := t.mac.Read(frame)
		t.itdTimer.Arm(t.itd)
		if err != nil || n != i2cLengthFrameSize || frame[0] != i2cFrameTypeLength {
			if err != nil {
				logging.L().Debug("i2c_length_poll_error", "error", err)
			} else {
				metrics.IncBusyPoll()
			}
			if timer.Expired() {
				metrics.IncTimeout()
				logging.L().Debug("i2c_rx_timeout", "waiting_for", "length frame")
				return 0, ErrTimeout
			}
			continue
		}
		length := int(binary.LittleEndian.Uint16(frame[1:3]))
		got := binary.LittleEndian.Uint16(frame[3:5])
		if want := checksum.CRC16(frame[1:3]); got != want {
			metrics.IncChecksumError()
			return 0, fmt.Errorf("%w: length frame", ErrChecksum)
		}
		if length < fcsSize {
			metrics.IncMalformed()
			return 0, fmt.Errorf("%w: advertised response length %d", ErrInvalidFrame, length)
		}
		if length-fcsSize > ResponsePacketMaxSize {
			return 0, fmt.Errorf("%w: %d byte response", ErrBufferOverflow, length)
		}
		return length, nil
	}
}

func (t *I2CTransport) pollResponse(timer *timeout.Timer, length int, buf []byte) (int, error) {
	payloadSize := length - fcsSize
	if payloadSize > len(buf) {
		return 0, fmt.Errorf("%w: %d byte payload", ErrBufferOverflow, payloadSize)
	}
	frame := t.buf[:1+length]
	for {
		t.itdTimer.Wait()
		n, err := t.mac.Read(frame)
		t.itdTimer.Arm(t.itd)
		if err != nil || n != len(frame) || frame[0] != i2cFrameTypeResponse {
			if err != nil {
				logging.L().Debug("i2c_response_poll_error", "error", err)
			} else {
				metrics.IncBusyPoll()
			}
			if timer.Expired() {
				metrics.IncTimeout()
				logging.L().Debug("i2c_rx_timeout", "waiting_for", "response frame")
				return 0, ErrTimeout
			}
			continue
		}
		payload := frame[1 : 1+payloadSize]
		got := binary.LittleEndian.Uint16(frame[1+payloadSize : 1+length])
		if want := checksum.CRC16(payload); got != want {
			metrics.IncChecksumError()
			return 0, fmt.Errorf("%w: response frame", ErrChecksum)
		}
		copy(buf, payload)
		return payloadSize, nil
	}
}
