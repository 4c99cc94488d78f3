package tools

import (
	"flag"
	"fmt"

	"github.com/elliott-bfs/cmdfu/internal/mac"
	"github.com/elliott-bfs/cmdfu/internal/transport"
)

// SpidevTool drives a client on a Linux spidev bus with the polled
// full-duplex framing.
type SpidevTool struct {
	device string
	mode   int
	speed  int
}

func (t *SpidevTool) Name() string        { return "spidev" }
func (t *SpidevTool) Description() string { return "MDFU client on a Linux spidev bus" }

func (t *SpidevTool) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&t.device, "device", "", "SPI device path (e.g. /dev/spidev0.0)")
	fs.IntVar(&t.mode, "mode", 0, "SPI mode (0-3)")
	fs.IntVar(&t.speed, "speed", 500000, "SPI clock speed in Hz")
}

func (t *SpidevTool) Validate() error {
	if t.device == "" {
		return fmt.Errorf("spidev tool: --device is required")
	}
	if t.mode < 0 || t.mode > 3 {
		return fmt.Errorf("spidev tool: invalid mode %d", t.mode)
	}
	if t.speed <= 0 {
		return fmt.Errorf("spidev tool: speed must be > 0 (got %d)", t.speed)
	}
	return nil
}

func (t *SpidevTool) Transport() (transport.Transport, error) {
	m := mac.NewSpidev(mac.SpidevConfig{
		Path:        t.device,
		Mode:        uint8(t.mode),
		SpeedHz:     uint32(t.speed),
		MaxTransfer: transport.ResponsePacketMaxSize + 8,
	})
	return transport.NewSPITransport(m), nil
}
