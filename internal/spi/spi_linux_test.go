//go:build linux

package spi

import (
	"os"
	"testing"
)

func TestXfer_NilPort(t *testing.T) {
	var p *Port
	if _, err := p.xfer([]byte{0x00}); err == nil {
		t.Fatalf("nil port transfer succeeded")
	}
}

func TestXfer_EmptyIsNoop(t *testing.T) {
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	defer f.Close()

	p := &Port{f: f, path: "/dev/null"}
	rx, err := p.xfer(nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if rx != nil {
		t.Fatalf("rx=%v want nil", rx)
	}
}
