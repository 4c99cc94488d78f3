package tools

import (
	"flag"
	"fmt"

	"github.com/elliott-bfs/cmdfu/internal/mac"
	"github.com/elliott-bfs/cmdfu/internal/transport"
)

// I2cdevTool drives a client on a Linux i2c-dev bus with the polled
// half-duplex framing.
type I2cdevTool struct {
	device  string
	address int
}

func (t *I2cdevTool) Name() string        { return "i2cdev" }
func (t *I2cdevTool) Description() string { return "MDFU client on a Linux i2c-dev bus" }

func (t *I2cdevTool) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&t.device, "device", "", "I2C device path (e.g. /dev/i2c-1)")
	fs.IntVar(&t.address, "address", 0, "7-bit I2C client address")
}

func (t *I2cdevTool) Validate() error {
	if t.device == "" {
		return fmt.Errorf("i2cdev tool: --device is required")
	}
	if t.address <= 0 || t.address > 0x7F {
		return fmt.Errorf("i2cdev tool: invalid 7-bit address 0x%x", t.address)
	}
	return nil
}

func (t *I2cdevTool) Transport() (transport.Transport, error) {
	m := mac.NewI2cdev(mac.I2cdevConfig{
		Path:    t.device,
		Address: uint16(t.address),
	})
	return transport.NewI2CTransport(m), nil
}
