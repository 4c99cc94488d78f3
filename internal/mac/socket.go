package mac

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/logging"
)

// DefaultSocketReadTimeout bounds a single socket read; the TCP tunnel to a
// simulated or bridged client can be slower than a local serial port.
const DefaultSocketReadTimeout = 5 * time.Second

const defaultDialTimeout = 10 * time.Second

var errSocketNotOpen = errors.New("socket mac: not open")

// SocketConfig holds the endpoint of a TCP-tunneled MDFU client.
type SocketConfig struct {
	Host        string
	Port        int
	ReadTimeout time.Duration
}

// Socket is a MAC that tunnels the byte stream over a TCP connection.
type Socket struct {
	cfg  SocketConfig
	conn net.Conn
}

// NewSocket creates an unopened socket MAC.
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultSocketReadTimeout
	}
	return &Socket{cfg: cfg}
}

func (s *Socket) Open() error {
	if s.conn != nil {
		return errors.New("socket mac: already open")
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, defaultDialTimeout)
	if err != nil {
		return fmt.Errorf("socket mac dial %s: %w", addr, err)
	}
	logging.L().Debug("socket_mac_open", "addr", addr)
	s.conn = conn
	return nil
}

func (s *Socket) Close() error {
	if s.conn == nil {
		return errSocketNotOpen
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Read returns up to len(p) bytes. A deadline expiry surfaces as (0, nil)
// so the framing layer keeps polling against its own deadline.
func (s *Socket) Read(p []byte) (int, error) {
	if s.conn == nil {
		return 0, errSocketNotOpen
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (s *Socket) Write(p []byte) (int, error) {
	if s.conn == nil {
		return 0, errSocketNotOpen
	}
	return s.conn.Write(p)
}
