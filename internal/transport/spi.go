package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/checksum"
	"github.com/elliott-bfs/cmdfu/internal/logging"
	"github.com/elliott-bfs/cmdfu/internal/mac"
	"github.com/elliott-bfs/cmdfu/internal/metrics"
	"github.com/elliott-bfs/cmdfu/internal/timeout"
)

// SPI frame types. Every byte the host clocks out produces a byte clocked
// in, so responses are retrieved by sending zero-filled retrieval frames.
const (
	spiFrameTypeCmd       = 0x11
	spiFrameTypeRetrieval = 0x55

	spiRspPrefixSize = 4 // frame type byte + 3 ASCII marker bytes
	spiLenFieldSize  = 2
)

var (
	spiLengthPrefix   = []byte("LEN")
	spiResponsePrefix = []byte("RSP")
)

// Sized for the larger of a command frame (type|packet|fcs) and a response
// retrieval frame (prefix slots plus the advertised length).
const spiFrameMaxSize = spiRspPrefixSize + ResponsePacketMaxSize + fcsSize

// SPITransport is the polled full-duplex framing over a spidev-style MAC.
// The client advertises an inter-transaction delay; no transfer is issued
// before the previous delay window expired.
type SPITransport struct {
	mac      mac.MAC
	itdTimer timeout.Timer
	itd      time.Duration
	tx       [spiFrameMaxSize]byte
	rx       [spiFrameMaxSize]byte
}

// NewSPITransport wraps m in the SPI framing.
func NewSPITransport(m mac.MAC) *SPITransport {
	return &SPITransport{mac: m}
}

func (t *SPITransport) Open() error  { return t.mac.Open() }
func (t *SPITransport) Close() error { return t.mac.Close() }

// SetInterTransactionDelay adopts the client-advertised minimum quiet time
// between SPI transfers.
func (t *SPITransport) SetInterTransactionDelay(d time.Duration) error {
	t.itd = d
	return nil
}

// transfer waits out the inter-transaction delay, clocks frame out and the
// same number of bytes into the receive buffer.
func (t *SPITransport) transfer(frame []byte) error {
	t.itdTimer.Wait()
	if _, err := t.mac.Write(frame); err != nil {
		t.itdTimer.Arm(t.itd)
		metrics.IncError(metrics.ErrMACWrite)
		return fmt.Errorf("spi transport transfer: %w", err)
	}
	t.itdTimer.Arm(t.itd)
	// The write already clocked the response in; no delay before reading
	// the latched bytes.
	n, err := t.mac.Read(t.rx[:len(frame)])
	if err != nil {
		metrics.IncError(metrics.ErrMACRead)
		return fmt.Errorf("spi transport transfer: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: MAC read %d bytes for a %d byte transfer", ErrInvalidFrame, n, len(frame))
	}
	return nil
}

// Write sends one command frame: type | payload | fcs.
func (t *SPITransport) Write(p []byte) error {
	if len(p) > CmdPacketMaxSize {
		return fmt.Errorf("%w: %d byte packet", ErrBufferOverflow, len(p))
	}
	frame := append(t.tx[:0], spiFrameTypeCmd)
	frame = append(frame, p...)
	fcs := checksum.CRC16(p)
	frame = append(frame, byte(fcs), byte(fcs>>8))
	logging.L().Debug("spi_tx_frame", "size", len(frame))
	return t.transfer(frame)
}

// retrievalFrame builds a zero-filled response retrieval frame giving the
// client size+3 byte slots after the frame type byte.
func (t *SPITransport) retrievalFrame(size int) []byte {
	frame := t.tx[:1+size+spiRspPrefixSize-1]
	frame[0] = spiFrameTypeRetrieval
	for i := 1; i < len(frame); i++ {
		frame[i] = 0
	}
	return frame
}

// Read polls the client for a length frame, then retrieves the response.
// The advertised length counts the response's own FCS.
func (t *SPITransport) Read(buf []byte, to time.Duration) (int, error) {
	var timer timeout.Timer
	timer.Arm(to)

	length, err := t.pollResponseLength(&timer)
	if err != nil {
		return 0, err
	}
	return t.pollResponse(&timer, length, buf)
}

func (t *SPITransport) pollResponseLength(timer *timeout.Timer) (int, error) {
	for {
		if err := t.transfer(t.retrievalFrame(spiLenFieldSize + fcsSize)); err != nil {
			return 0, err
		}
		if bytes.Equal(t.rx[1:4], spiLengthPrefix) {
			length := int(binary.LittleEndian.Uint16(t.rx[4:6]))
			got := binary.LittleEndian.Uint16(t.rx[6:8])
			if want := checksum.CRC16(t.rx[4:6]); got != want {
				metrics.IncChecksumError()
				return 0, fmt.Errorf("%w: length frame", ErrChecksum)
			}
			if length < fcsSize {
				metrics.IncMalformed()
				return 0, fmt.Errorf("%w: advertised response length %d", ErrInvalidFrame, length)
			}
			if 1+length+spiRspPrefixSize-1 > len(t.tx) {
				return 0, fmt.Errorf("%w: %d byte response", ErrBufferOverflow, length)
			}
			return length, nil
		}
		metrics.IncBusyPoll()
		if timer.Expired() {
			metrics.IncTimeout()
			logging.L().Debug("spi_rx_timeout", "waiting_for", "length frame")
			return 0, ErrTimeout
		}
	}
}

func (t *SPITransport) pollResponse(timer *timeout.Timer, length int, buf []byte) (int, error) {
	payloadSize := length - fcsSize
	if payloadSize > len(buf) {
		return 0, fmt.Errorf("%w: %d byte payload", ErrBufferOverflow, payloadSize)
	}
	for {
		if err := t.transfer(t.retrievalFrame(length)); err != nil {
			return 0, err
		}
		if bytes.Equal(t.rx[1:4], spiResponsePrefix) {
			payload := t.rx[spiRspPrefixSize : spiRspPrefixSize+payloadSize]
			got := binary.LittleEndian.Uint16(t.rx[spiRspPrefixSize+payloadSize : spiRspPrefixSize+length])
			if want := checksum.CRC16(payload); got != want {
				metrics.IncChecksumError()
				return 0, fmt.Errorf("%w: response frame", ErrChecksum)
			}
			copy(buf, payload)
			return payloadSize, nil
		}
		metrics.IncBusyPoll()
		if timer.Expired() {
			metrics.IncTimeout()
			logging.L().Debug("spi_rx_timeout", "waiting_for", "response frame")
			return 0, ErrTimeout
		}
	}
}
