package mdfu

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/transport"
)

// fakeTransport scripts one response (or error) per transaction.
type fakeTransport struct {
	respond func(cmd []byte) ([]byte, error)
	writes  [][]byte
	pending []byte
	perr    error
	opened  bool
	closed  bool
}

func (f *fakeTransport) Open() error  { f.opened = true; return nil }
func (f *fakeTransport) Close() error { f.closed = true; return nil }

func (f *fakeTransport) Write(p []byte) error {
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.pending, f.perr = f.respond(p)
	return nil
}

func (f *fakeTransport) Read(buf []byte, to time.Duration) (int, error) {
	if f.perr != nil {
		return 0, f.perr
	}
	return copy(buf, f.pending), nil
}

// ackSuccess echoes the command's sequence number with a Success status.
func ackSuccess(cmd []byte) ([]byte, error) {
	return []byte{cmd[0] & 0x1F, byte(StatusSuccess)}, nil
}

func testClientInfo() *ClientInfo {
	info := &ClientInfo{
		Version:        ProtocolVersion{Major: 1, Minor: 2, Patch: 0},
		BufferSize:     128,
		BufferCount:    2,
		DefaultTimeout: time.Second,
	}
	for i := range info.CommandTimeouts {
		info.CommandTimeouts[i] = time.Second
	}
	return info
}

func TestSequenceWrapsModulo32(t *testing.T) {
	ft := &fakeTransport{respond: ackSuccess}
	s := NewSession(ft, 3)
	for i := 0; i < 33; i++ {
		if _, err := s.sendCmd(CmdPacket{Command: StartTransfer}); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}
	if len(ft.writes) != 33 {
		t.Fatalf("sent %d commands, want 33", len(ft.writes))
	}
	for i, w := range ft.writes {
		if want := byte(i % 32); w[0] != want {
			t.Fatalf("command %d carries sequence %d, want %d", i, w[0], want)
		}
	}
}

func TestSyncResetsSequence(t *testing.T) {
	ft := &fakeTransport{respond: ackSuccess}
	s := NewSession(ft, 3)
	for i := 0; i < 5; i++ {
		if _, err := s.sendCmd(CmdPacket{Command: StartTransfer}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.sendCmd(CmdPacket{Sync: true, Command: GetClientInfo}); err != nil {
		t.Fatal(err)
	}
	last := ft.writes[len(ft.writes)-1]
	if last[0] != 0x80 {
		t.Fatalf("sync command header = 0x%02x, want 0x80", last[0])
	}
	if s.seq != 1 {
		t.Fatalf("sequence after sync transaction = %d, want 1", s.seq)
	}
}

func TestResendRepeatsSameSequence(t *testing.T) {
	calls := 0
	ft := &fakeTransport{}
	ft.respond = func(cmd []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return []byte{0x40 | cmd[0]&0x1F, byte(StatusSuccess)}, nil
		}
		return ackSuccess(cmd)
	}
	s := NewSession(ft, 5)
	if _, err := s.sendCmd(CmdPacket{Command: StartTransfer}); err != nil {
		t.Fatalf("sendCmd: %v", err)
	}
	if len(ft.writes) != 2 {
		t.Fatalf("sent %d packets, want 2 (original + resend)", len(ft.writes))
	}
	if !bytes.Equal(ft.writes[0], ft.writes[1]) {
		t.Fatalf("resend differs from original: % X vs % X", ft.writes[0], ft.writes[1])
	}
	if s.seq != 1 {
		t.Fatalf("sequence advanced to %d, want 1", s.seq)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	ft := &fakeTransport{respond: func(cmd []byte) ([]byte, error) {
		return nil, transport.ErrTimeout
	}}
	s := NewSession(ft, 3)
	_, err := s.sendCmd(CmdPacket{Command: StartTransfer})
	if err == nil {
		t.Fatal("expected failure after budget exhaustion")
	}
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("error = %v, want wrapped ErrTimeout", err)
	}
	if len(ft.writes) != 3 {
		t.Fatalf("made %d attempts, want exactly 3", len(ft.writes))
	}
}

func TestChecksumFailureRetriedOnce(t *testing.T) {
	calls := 0
	ft := &fakeTransport{}
	ft.respond = func(cmd []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, transport.ErrChecksum
		}
		return ackSuccess(cmd)
	}
	s := NewSession(ft, 5)
	if _, err := s.sendCmd(CmdPacket{Command: StartTransfer}); err != nil {
		t.Fatalf("sendCmd: %v", err)
	}
	if len(ft.writes) != 2 {
		t.Fatalf("made %d attempts, want 2", len(ft.writes))
	}
}

func TestClientFailureNotRetried(t *testing.T) {
	ft := &fakeTransport{respond: func(cmd []byte) ([]byte, error) {
		return []byte{cmd[0] & 0x1F, byte(StatusCommandNotExecuted), 0x01}, nil
	}}
	s := NewSession(ft, 5)
	_, err := s.sendCmd(CmdPacket{Command: StartTransfer})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("error = %v, want ErrProtocol", err)
	}
	if len(ft.writes) != 1 {
		t.Fatalf("made %d attempts, want 1 (client status is final)", len(ft.writes))
	}
}

func TestUnexpectedSequenceRetried(t *testing.T) {
	calls := 0
	ft := &fakeTransport{}
	ft.respond = func(cmd []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return []byte{(cmd[0] + 1) & 0x1F, byte(StatusSuccess)}, nil
		}
		return ackSuccess(cmd)
	}
	s := NewSession(ft, 5)
	if _, err := s.sendCmd(CmdPacket{Command: StartTransfer}); err != nil {
		t.Fatalf("sendCmd: %v", err)
	}
	if len(ft.writes) != 2 {
		t.Fatalf("made %d attempts, want 2", len(ft.writes))
	}
}

func TestUnexpectedSequenceSurfacedOnExhaustion(t *testing.T) {
	ft := &fakeTransport{respond: func(cmd []byte) ([]byte, error) {
		return []byte{(cmd[0] + 1) & 0x1F, byte(StatusSuccess)}, nil
	}}
	s := NewSession(ft, 2)
	_, err := s.sendCmd(CmdPacket{Command: StartTransfer})
	if !errors.Is(err, ErrUnexpectedSequence) {
		t.Fatalf("error = %v, want wrapped ErrUnexpectedSequence", err)
	}
}

func TestBufferOverflowFatal(t *testing.T) {
	ft := &fakeTransport{respond: func(cmd []byte) ([]byte, error) {
		return nil, transport.ErrBufferOverflow
	}}
	s := NewSession(ft, 5)
	_, err := s.sendCmd(CmdPacket{Command: StartTransfer})
	if !errors.Is(err, transport.ErrBufferOverflow) {
		t.Fatalf("error = %v, want ErrBufferOverflow", err)
	}
	if len(ft.writes) != 1 {
		t.Fatalf("made %d attempts, want 1 (overflow is not retriable)", len(ft.writes))
	}
}

// updateTransport acks everything and answers Get Image State with the
// configured state byte.
func updateTransport(state byte) *fakeTransport {
	ft := &fakeTransport{}
	ft.respond = func(cmd []byte) ([]byte, error) {
		if Command(cmd[1]) == GetImageState {
			return []byte{cmd[0] & 0x1F, byte(StatusSuccess), state}, nil
		}
		return ackSuccess(cmd)
	}
	return ft
}

func chunkSizes(writes [][]byte) []int {
	var sizes []int
	for _, w := range writes {
		if Command(w[1]) == WriteChunk {
			sizes = append(sizes, len(w)-2)
		}
	}
	return sizes
}

func TestRunUpdateChunkLoop(t *testing.T) {
	ft := updateTransport(imageStateValid)
	s := NewSession(ft, 3)
	s.info = testClientInfo()

	image := make([]byte, 300)
	for i := range image {
		image[i] = byte(i)
	}
	if err := s.RunUpdate(bytes.NewReader(image)); err != nil {
		t.Fatalf("RunUpdate: %v", err)
	}

	var cmds []Command
	for _, w := range ft.writes {
		cmds = append(cmds, Command(w[1]))
	}
	want := []Command{StartTransfer, WriteChunk, WriteChunk, WriteChunk, GetImageState, EndTransfer}
	if len(cmds) != len(want) {
		t.Fatalf("command sequence %v, want %v", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Fatalf("command sequence %v, want %v", cmds, want)
		}
	}
	sizes := chunkSizes(ft.writes)
	if len(sizes) != 3 || sizes[0] != 128 || sizes[1] != 128 || sizes[2] != 44 {
		t.Fatalf("chunk sizes = %v, want [128 128 44]", sizes)
	}
}

func TestRunUpdateExactMultipleOfBufferSize(t *testing.T) {
	ft := updateTransport(imageStateValid)
	s := NewSession(ft, 3)
	s.info = testClientInfo()

	if err := s.RunUpdate(bytes.NewReader(make([]byte, 256))); err != nil {
		t.Fatalf("RunUpdate: %v", err)
	}
	sizes := chunkSizes(ft.writes)
	if len(sizes) != 2 || sizes[0] != 128 || sizes[1] != 128 {
		t.Fatalf("chunk sizes = %v, want [128 128]", sizes)
	}
}

func TestRunUpdateInvalidImageState(t *testing.T) {
	ft := updateTransport(imageStateInvalid)
	s := NewSession(ft, 3)
	s.info = testClientInfo()

	err := s.RunUpdate(bytes.NewReader(make([]byte, 64)))
	if !errors.Is(err, ErrImageInvalid) {
		t.Fatalf("error = %v, want ErrImageInvalid", err)
	}
	last := ft.writes[len(ft.writes)-1]
	if Command(last[1]) != GetImageState {
		t.Fatalf("last command = %s, End Transfer must not be sent", Command(last[1]))
	}
}

func TestRunUpdateRejectsNewerClient(t *testing.T) {
	ft := updateTransport(imageStateValid)
	s := NewSession(ft, 3)
	s.info = testClientInfo()
	s.info.Version = ProtocolVersion{Major: 1, Minor: 2, Patch: 3}

	err := s.RunUpdate(bytes.NewReader(make([]byte, 64)))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("error = %v, want ErrParse", err)
	}
	if len(ft.writes) != 0 {
		t.Fatalf("sent %d commands before the version check", len(ft.writes))
	}
}

func TestRunUpdateRejectsOversizedClientBuffer(t *testing.T) {
	ft := updateTransport(imageStateValid)
	s := NewSession(ft, 3)
	s.info = testClientInfo()
	s.info.BufferSize = transport.MaxCommandDataLength + 1

	if err := s.RunUpdate(bytes.NewReader(make([]byte, 64))); !errors.Is(err, ErrParse) {
		t.Fatalf("error = %v, want ErrParse", err)
	}
}

// itdTransport records the adopted inter-transaction delay.
type itdTransport struct {
	fakeTransport
	adopted time.Duration
}

func (t *itdTransport) SetInterTransactionDelay(d time.Duration) error {
	t.adopted = d
	return nil
}

func TestRunUpdateAdoptsInterTransactionDelay(t *testing.T) {
	ft := &itdTransport{}
	ft.respond = updateTransport(imageStateValid).respond
	s := NewSession(ft, 3)
	s.info = testClientInfo()
	s.info.InterTransactionDelay = 2 * time.Millisecond

	if err := s.RunUpdate(bytes.NewReader(make([]byte, 32))); err != nil {
		t.Fatalf("RunUpdate: %v", err)
	}
	if ft.adopted != 2*time.Millisecond {
		t.Fatalf("adopted ITD = %v, want 2ms", ft.adopted)
	}
}

func TestGetClientInfoCachesResult(t *testing.T) {
	ft := &fakeTransport{respond: func(cmd []byte) ([]byte, error) {
		rsp := []byte{cmd[0] & 0x1F, byte(StatusSuccess)}
		return append(rsp, clientInfoVector...), nil
	}}
	s := NewSession(ft, 3)
	info, err := s.GetClientInfo()
	if err != nil {
		t.Fatalf("GetClientInfo: %v", err)
	}
	if info.BufferSize != 128 {
		t.Fatalf("buffer size = %d, want 128", info.BufferSize)
	}
	if s.ClientInfo() != info {
		t.Fatal("client info not cached")
	}
	// The session-starting command is sync with sequence 0.
	if ft.writes[0][0] != 0x80 || ft.writes[0][1] != byte(GetClientInfo) {
		t.Fatalf("first command = % X, want 80 01", ft.writes[0])
	}
}

func TestCommandTimeoutBeforeClientInfo(t *testing.T) {
	s := NewSession(&fakeTransport{respond: ackSuccess}, 3)
	if to := s.commandTimeout(GetClientInfo); to != defaultCmdTimeout {
		t.Fatalf("timeout = %v, want %v before client info", to, defaultCmdTimeout)
	}
	s.info = testClientInfo()
	s.info.CommandTimeouts[GetImageState] = 50 * time.Second
	if to := s.commandTimeout(GetImageState); to != 50*time.Second {
		t.Fatalf("timeout = %v, want negotiated 50s", to)
	}
}
