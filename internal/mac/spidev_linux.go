//go:build linux

package mac

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/elliott-bfs/cmdfu/internal/logging"
	"golang.org/x/sys/unix"
)

// spidev ioctl requests from <linux/spi/spidev.h>.
const (
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04
	spiIocMessage1      = 0x40206b00
)

// spiIocTransfer mirrors struct spi_ioc_transfer.
type spiIocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// SpidevConfig holds Linux spidev parameters.
type SpidevConfig struct {
	Path        string
	Mode        uint8
	BitsPerWord uint8
	SpeedHz     uint32
	// MaxTransfer bounds the RX latch buffer; it must cover the largest
	// transport frame.
	MaxTransfer int
}

// Spidev is a full-duplex SPI MAC over /dev/spidevX.Y.
//
// SPI reads happen implicitly during the write transfer: Write clocks the
// frame out while latching the received bytes, and Read hands the latched
// bytes out. Read must request exactly the size of the last write.
type Spidev struct {
	cfg    SpidevConfig
	fd     int
	rx     []byte
	rxUsed int
}

// NewSpidev creates an unopened spidev MAC.
func NewSpidev(cfg SpidevConfig) *Spidev {
	if cfg.BitsPerWord == 0 {
		cfg.BitsPerWord = 8
	}
	if cfg.SpeedHz == 0 {
		cfg.SpeedHz = 500000
	}
	if cfg.MaxTransfer <= 0 {
		cfg.MaxTransfer = 4096
	}
	return &Spidev{cfg: cfg, fd: -1, rx: make([]byte, cfg.MaxTransfer)}
}

func (s *Spidev) Open() error {
	if s.fd >= 0 {
		return errors.New("spidev mac: already open")
	}
	fd, err := unix.Open(s.cfg.Path, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("spidev mac open %s: %w", s.cfg.Path, err)
	}
	mode := s.cfg.Mode
	bits := s.cfg.BitsPerWord
	speed := s.cfg.SpeedHz
	err = ioctlPtr(fd, spiIocWrMode, unsafe.Pointer(&mode))
	if err == nil {
		err = ioctlPtr(fd, spiIocWrBitsPerWord, unsafe.Pointer(&bits))
	}
	if err == nil {
		err = ioctlPtr(fd, spiIocWrMaxSpeedHz, unsafe.Pointer(&speed))
	}
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("spidev mac configure %s: %w", s.cfg.Path, err)
	}
	logging.L().Debug("spidev_mac_open", "path", s.cfg.Path, "mode", mode, "speed_hz", speed)
	s.fd = fd
	return nil
}

func (s *Spidev) Close() error {
	if s.fd < 0 {
		return errors.New("spidev mac: not open")
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// Write performs a full-duplex transfer of p and latches the received bytes
// for the next Read.
func (s *Spidev) Write(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, errors.New("spidev mac: not open")
	}
	if len(p) > len(s.rx) {
		return 0, fmt.Errorf("spidev mac: transfer of %d bytes exceeds %d byte latch", len(p), len(s.rx))
	}
	tr := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&p[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&s.rx[0]))),
		len:         uint32(len(p)),
		speedHz:     s.cfg.SpeedHz,
		bitsPerWord: s.cfg.BitsPerWord,
	}
	if err := ioctlPtr(s.fd, spiIocMessage1, unsafe.Pointer(&tr)); err != nil {
		s.rxUsed = 0
		return 0, fmt.Errorf("spidev mac transfer: %w", err)
	}
	s.rxUsed = len(p)
	return len(p), nil
}

// Read copies out the bytes latched by the last Write. The requested size
// must match the last transfer size.
func (s *Spidev) Read(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, errors.New("spidev mac: not open")
	}
	if len(p) != s.rxUsed {
		return 0, fmt.Errorf("spidev mac: read of %d bytes does not match last transfer of %d", len(p), s.rxUsed)
	}
	copy(p, s.rx[:s.rxUsed])
	s.rxUsed = 0
	return len(p), nil
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlInt(fd int, req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
