//go:build linux

package spi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Minimal Linux SPI implementation backed by /dev/spidev*.
//
// We use SPI_IOC_MESSAGE with a single full-duplex transfer so a command
// byte and its response bytes share one chip-select assertion, which the
// barometer requires for ADC and PROM reads.

const (
	spiIocWrMode     = 0x40016B01
	spiIocWrBits     = 0x40016B03
	spiIocWrMaxSpeed = 0x40046B04
	spiIocMessage1   = 0x40206B00
)

type spiTransfer struct {
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

// Port is an opened SPI device node (e.g., /dev/spidev0.0). It is not safe
// for concurrent transfers; coordinate at a higher level if you need
// concurrency.
type Port struct {
	f       *os.File
	path    string
	speedHz uint32
}

// Open opens the device node and configures mode 0, 8-bit words, and the
// given clock speed.
func Open(path string, speedHz uint32) (*Port, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	p := &Port{f: f, path: path, speedHz: speedHz}

	mode := uint8(0) // CPOL=0 CPHA=0
	bits := uint8(8)
	for _, c := range []struct {
		req uintptr
		ptr unsafe.Pointer
	}{
		{spiIocWrMode, unsafe.Pointer(&mode)},
		{spiIocWrBits, unsafe.Pointer(&bits)},
		{spiIocWrMaxSpeed, unsafe.Pointer(&p.speedHz)},
	} {
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), c.req, uintptr(c.ptr)); errno != 0 {
			_ = f.Close()
			return nil, fmt.Errorf("spi: configure %s: %w", path, errno)
		}
	}
	return p, nil
}

func (p *Port) Close() error {
	if p == nil || p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

// Command clocks out a single command byte.
func (p *Port) Command(cmd byte) error {
	_, err := p.xfer([]byte{cmd})
	return err
}

// Transfer clocks out the command byte followed by n dummy bytes and
// returns the n response bytes, all within one chip-select assertion.
func (p *Port) Transfer(cmd byte, n int) ([]byte, error) {
	tx := make([]byte, 1+n)
	tx[0] = cmd
	rx, err := p.xfer(tx)
	if err != nil {
		return nil, err
	}
	return rx[1:], nil
}

func (p *Port) xfer(tx []byte) ([]byte, error) {
	if p == nil || p.f == nil {
		return nil, errors.New("spi port is nil")
	}
	if len(tx) == 0 {
		return nil, nil
	}
	rx := make([]byte, len(tx))
	tr := spiTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		len:         uint32(len(tx)),
		speedHz:     p.speedHz,
		bitsPerWord: 8,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, p.f.Fd(), spiIocMessage1, uintptr(unsafe.Pointer(&tr))); errno != 0 {
		return nil, fmt.Errorf("spi: transfer on %s: %w", p.path, errno)
	}
	return rx, nil
}
