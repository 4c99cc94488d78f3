package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestSerialStreamMatchesBufferedWire(t *testing.T) {
	payloads := [][]byte{
		{0x80, 0x01},
		{0x56},
		{0x9E},
		{0xCC},
		{0x05, 0x03, 0x56, 0x9E, 0xCC, 0x00, 0xFF, 0x7F},
		bytes.Repeat([]byte{0xCC}, 100),
	}
	for _, p := range payloads {
		buffered := &streamMAC{}
		if err := NewSerialTransport(buffered).Write(p); err != nil {
			t.Fatalf("buffered Write(% X): %v", p, err)
		}
		streamed := &streamMAC{}
		if err := NewSerialStreamTransport(streamed).Write(p); err != nil {
			t.Fatalf("streamed Write(% X): %v", p, err)
		}
		if !bytes.Equal(buffered.tx.Bytes(), streamed.tx.Bytes()) {
			t.Fatalf("wire mismatch for % X:\nbuffered % X\nstreamed % X",
				p, buffered.tx.Bytes(), streamed.tx.Bytes())
		}
	}
}

func TestSerialStreamRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x56, 0x9E, 0xCC}
	enc := &streamMAC{}
	if err := NewSerialStreamTransport(enc).Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	dec := NewSerialStreamTransport(&streamMAC{rx: enc.tx.Bytes()})
	buf := make([]byte, 64)
	n, err := dec.Read(buf, time.Second)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("round trip = % X, want % X", buf[:n], payload)
	}
}
