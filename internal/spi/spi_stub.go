//go:build !linux

package spi

import "fmt"

// Port is unavailable off-Linux; the bench runtime injects a fake
// transport instead.
type Port struct{}

func Open(path string, speedHz uint32) (*Port, error) {
	return nil, fmt.Errorf("spi not supported on this platform")
}

func (p *Port) Close() error { return nil }

func (p *Port) Command(cmd byte) error { return fmt.Errorf("spi not supported") }

func (p *Port) Transfer(cmd byte, n int) ([]byte, error) {
	return nil, fmt.Errorf("spi not supported")
}
