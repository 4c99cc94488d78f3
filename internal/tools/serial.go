package tools

import (
	"flag"
	"fmt"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/mac"
	"github.com/elliott-bfs/cmdfu/internal/transport"
)

// SerialTool drives a client over a UART with the byte-stuffed framing.
type SerialTool struct {
	port        string
	baudrate    int
	readTimeout time.Duration
}

func (t *SerialTool) Name() string        { return "serial" }
func (t *SerialTool) Description() string { return "MDFU client on a serial port" }

func (t *SerialTool) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&t.port, "port", "", "Serial port (e.g. /dev/ttyACM0)")
	fs.IntVar(&t.baudrate, "baudrate", 115200, "Serial baud rate")
	fs.DurationVar(&t.readTimeout, "read-timeout", mac.DefaultSerialReadTimeout, "MAC-level read timeout")
}

func (t *SerialTool) Validate() error {
	if t.port == "" {
		return fmt.Errorf("serial tool: --port is required")
	}
	if t.baudrate <= 0 {
		return fmt.Errorf("serial tool: baudrate must be > 0 (got %d)", t.baudrate)
	}
	return nil
}

func (t *SerialTool) Transport() (transport.Transport, error) {
	m := mac.NewSerial(mac.SerialConfig{
		Port:        t.port,
		Baudrate:    t.baudrate,
		ReadTimeout: t.readTimeout,
	})
	return transport.NewSerialTransport(m), nil
}
