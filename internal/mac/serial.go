package mac

import (
	"errors"
	"io"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/logging"
	"github.com/tarm/serial"
)

// DefaultSerialReadTimeout bounds a single serial read so the transport
// layer can poll against its own deadline.
const DefaultSerialReadTimeout = 100 * time.Millisecond

var errSerialNotOpen = errors.New("serial mac: not open")

// SerialConfig holds UART parameters for a Serial MAC.
type SerialConfig struct {
	Port        string
	Baudrate    int
	ReadTimeout time.Duration
}

// Serial is a UART MAC backed by tarm/serial.
type Serial struct {
	cfg  SerialConfig
	port *serial.Port
}

// NewSerial creates an unopened serial MAC.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultSerialReadTimeout
	}
	return &Serial{cfg: cfg}
}

func (s *Serial) Open() error {
	if s.port != nil {
		return errors.New("serial mac: already open")
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        s.cfg.Port,
		Baud:        s.cfg.Baudrate,
		ReadTimeout: s.cfg.ReadTimeout,
	})
	if err != nil {
		return err
	}
	logging.L().Debug("serial_mac_open", "port", s.cfg.Port, "baud", s.cfg.Baudrate)
	s.port = p
	return nil
}

func (s *Serial) Close() error {
	if s.port == nil {
		return errSerialNotOpen
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Read returns up to len(p) bytes. A read timeout surfaces as (0, nil) so
// the caller keeps polling against its own deadline; tarm reports it as a
// zero-byte read (io.EOF through the os.File wrapper).
func (s *Serial) Read(p []byte) (int, error) {
	if s.port == nil {
		return 0, errSerialNotOpen
	}
	n, err := s.port.Read(p)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (s *Serial) Write(p []byte) (int, error) {
	if s.port == nil {
		return 0, errSerialNotOpen
	}
	return s.port.Write(p)
}
