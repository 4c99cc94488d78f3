package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/checksum"
)

// spiMAC is a scripted full-duplex MAC: every write clocks in the next
// scripted response, which the following read of the same size returns.
type spiMAC struct {
	responses [][]byte // consumed one per transfer; nil entry = all zeros
	writes    [][]byte
	latched   []byte
	writeErr  error
}

func (m *spiMAC) Open() error  { return nil }
func (m *spiMAC) Close() error { return nil }

func (m *spiMAC) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		err := m.writeErr
		m.writeErr = nil
		return 0, err
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	m.latched = make([]byte, len(p))
	if len(m.responses) > 0 {
		copy(m.latched, m.responses[0])
		m.responses = m.responses[1:]
	}
	return len(p), nil
}

func (m *spiMAC) Read(p []byte) (int, error) {
	if len(p) != len(m.latched) {
		return 0, errors.New("spi mac: read size must match last transfer")
	}
	copy(p, m.latched)
	return len(p), nil
}

// spiLenFrame builds a client length frame announcing length bytes of
// response (payload plus its FCS).
func spiLenFrame(length int) []byte {
	f := make([]byte, 8)
	copy(f[1:4], "LEN")
	binary.LittleEndian.PutUint16(f[4:6], uint16(length))
	binary.LittleEndian.PutUint16(f[6:8], checksum.CRC16(f[4:6]))
	return f
}

// spiRspFrame builds a client response frame carrying payload.
func spiRspFrame(payload []byte) []byte {
	f := make([]byte, spiRspPrefixSize+len(payload)+fcsSize)
	copy(f[1:4], "RSP")
	copy(f[4:], payload)
	binary.LittleEndian.PutUint16(f[4+len(payload):], checksum.CRC16(payload))
	return f
}

func TestSPIWriteBuildsCommandFrame(t *testing.T) {
	m := &spiMAC{responses: [][]byte{nil}}
	tr := NewSPITransport(m)
	packet := []byte{0x00, 0x02}
	if err := tr.Write(packet); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	fcs := checksum.CRC16(packet)
	want := append([]byte{spiFrameTypeCmd}, packet...)
	want = append(want, byte(fcs), byte(fcs>>8))
	if len(m.writes) != 1 || !bytes.Equal(m.writes[0], want) {
		t.Fatalf("transferred % X, want % X", m.writes, want)
	}
}

func TestSPIReadBusyThenResponse(t *testing.T) {
	payload := []byte{0x01, 0x01, 0xAB}
	m := &spiMAC{responses: [][]byte{
		nil, // busy
		spiLenFrame(len(payload) + fcsSize),
		spiRspFrame(payload),
	}}
	tr := NewSPITransport(m)
	buf := make([]byte, 64)
	n, err := tr.Read(buf, time.Second)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("payload = % X, want % X", buf[:n], payload)
	}
	// One length poll wasted on busy, one successful, one response fetch.
	if len(m.writes) != 3 {
		t.Fatalf("got %d transfers, want 3", len(m.writes))
	}
	// Length polls are 8 bytes (4-byte prefix, length field, FCS); the
	// response fetch sizes to the advertised length.
	if len(m.writes[0]) != 8 || len(m.writes[1]) != 8 {
		t.Fatalf("length poll sizes = %d,%d, want 8,8", len(m.writes[0]), len(m.writes[1]))
	}
	if want := spiRspPrefixSize + len(payload) + fcsSize; len(m.writes[2]) != want {
		t.Fatalf("response fetch size = %d, want %d", len(m.writes[2]), want)
	}
	for _, w := range m.writes {
		if w[0] != spiFrameTypeRetrieval {
			t.Fatalf("retrieval frame type = 0x%02x", w[0])
		}
		for _, b := range w[1:] {
			if b != 0 {
				t.Fatal("retrieval frame body must be zero filled")
			}
		}
	}
}

func TestSPIReadLengthFrameChecksum(t *testing.T) {
	bad := spiLenFrame(4)
	bad[6] ^= 0xFF
	tr := NewSPITransport(&spiMAC{responses: [][]byte{bad}})
	_, err := tr.Read(make([]byte, 64), time.Second)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("Read error = %v, want ErrChecksum", err)
	}
}

func TestSPIReadResponseFrameChecksum(t *testing.T) {
	payload := []byte{0x01, 0x01}
	rsp := spiRspFrame(payload)
	rsp[4] ^= 0x01
	tr := NewSPITransport(&spiMAC{responses: [][]byte{
		spiLenFrame(len(payload) + fcsSize),
		rsp,
	}})
	_, err := tr.Read(make([]byte, 64), time.Second)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("Read error = %v, want ErrChecksum", err)
	}
}

func TestSPIReadInvalidAdvertisedLength(t *testing.T) {
	tr := NewSPITransport(&spiMAC{responses: [][]byte{spiLenFrame(1)}})
	_, err := tr.Read(make([]byte, 64), time.Second)
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("Read error = %v, want ErrInvalidFrame", err)
	}
}

func TestSPIReadBusyTimesOut(t *testing.T) {
	tr := NewSPITransport(&spiMAC{}) // every transfer reads back zeros
	_, err := tr.Read(make([]byte, 64), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read error = %v, want ErrTimeout", err)
	}
}

func TestSPIInterTransactionDelayObserved(t *testing.T) {
	m := &spiMAC{responses: [][]byte{nil, nil}}
	tr := NewSPITransport(m)
	if err := tr.SetInterTransactionDelay(40 * time.Millisecond); err != nil {
		t.Fatalf("SetInterTransactionDelay: %v", err)
	}
	start := time.Now()
	if err := tr.Write([]byte{0x00, 0x02}); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := tr.Write([]byte{0x01, 0x03}); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("second transfer after %v, before the inter-transaction delay", elapsed)
	}
}

func TestSPIWriteErrorRearmsDelay(t *testing.T) {
	m := &spiMAC{writeErr: errors.New("transfer failed"), responses: [][]byte{nil}}
	tr := NewSPITransport(m)
	_ = tr.SetInterTransactionDelay(30 * time.Millisecond)
	if err := tr.Write([]byte{0x00, 0x02}); err == nil {
		t.Fatal("expected MAC write error")
	}
	start := time.Now()
	if err := tr.Write([]byte{0x00, 0x02}); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("retry after %v, inter-transaction delay not re-armed", elapsed)
	}
}
