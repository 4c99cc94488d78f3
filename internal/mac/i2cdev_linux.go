//go:build linux

package mac

import (
	"errors"
	"fmt"

	"github.com/elliott-bfs/cmdfu/internal/logging"
	"golang.org/x/sys/unix"
)

// i2c-dev ioctl requests from <linux/i2c-dev.h>.
const (
	i2cRetries = 0x0701
	i2cTimeout = 0x0702
	i2cSlave   = 0x0703
)

// I2cdevConfig holds Linux i2c-dev parameters.
type I2cdevConfig struct {
	Path    string
	Address uint16
}

// I2cdev is a half-duplex I²C MAC over /dev/i2c-N. Reads and writes are
// separate bus transactions addressed to the configured client.
type I2cdev struct {
	cfg I2cdevConfig
	fd  int
}

// NewI2cdev creates an unopened i2c-dev MAC.
func NewI2cdev(cfg I2cdevConfig) *I2cdev {
	return &I2cdev{cfg: cfg, fd: -1}
}

func (d *I2cdev) Open() error {
	if d.fd >= 0 {
		return errors.New("i2cdev mac: already open")
	}
	fd, err := unix.Open(d.cfg.Path, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("i2cdev mac open %s: %w", d.cfg.Path, err)
	}
	// Kernel-level timeout in 10 ms units, no kernel retries; the transport
	// polls on top.
	if err := ioctlInt(fd, i2cSlave, uintptr(d.cfg.Address)); err != nil {
		unix.Close(fd)
		return fmt.Errorf("i2cdev mac set address 0x%02x: %w", d.cfg.Address, err)
	}
	_ = ioctlInt(fd, i2cTimeout, 10)
	_ = ioctlInt(fd, i2cRetries, 0)
	logging.L().Debug("i2cdev_mac_open", "path", d.cfg.Path, "address", d.cfg.Address)
	d.fd = fd
	return nil
}

func (d *I2cdev) Close() error {
	if d.fd < 0 {
		return errors.New("i2cdev mac: not open")
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *I2cdev) Read(p []byte) (int, error) {
	if d.fd < 0 {
		return 0, errors.New("i2cdev mac: not open")
	}
	n, err := unix.Read(d.fd, p)
	if err != nil {
		return 0, fmt.Errorf("i2cdev mac read: %w", err)
	}
	return n, nil
}

func (d *I2cdev) Write(p []byte) (int, error) {
	if d.fd < 0 {
		return 0, errors.New("i2cdev mac: not open")
	}
	n, err := unix.Write(d.fd, p)
	if err != nil {
		return n, fmt.Errorf("i2cdev mac write: %w", err)
	}
	return n, nil
}
