// Package statusled drives the board status LEDs: a green heartbeat blink
// while the system is healthy and a latched red indicator once any
// subsystem faults.
package statusled

import (
	"log"
	"time"
)

// Line is a single digital output. The Linux backend drives a GPIO
// character-device line; tests use fakes.
type Line interface {
	Set(on bool) error
	Close() error
}

// Config selects the LED lines by BCM pin number. Zero disables a line.
type Config struct {
	GreenPin int `yaml:"green_pin"`
	RedPin   int `yaml:"red_pin"`
}

// Blinker owns the two LEDs. It is driven by a low-priority periodic task;
// each Tick advances the blink pattern.
type Blinker struct {
	green, red Line

	greenOn bool
	faulted bool
}

// New opens the configured lines. A line that fails to open is logged and
// skipped so an unpopulated LED header never blocks boot.
func New(cfg Config) *Blinker {
	b := &Blinker{}
	if cfg.GreenPin > 0 {
		l, err := openLine(cfg.GreenPin)
		if err != nil {
			log.Printf("statusled: green pin %d: %v", cfg.GreenPin, err)
		} else {
			b.green = l
		}
	}
	if cfg.RedPin > 0 {
		l, err := openLine(cfg.RedPin)
		if err != nil {
			log.Printf("statusled: red pin %d: %v", cfg.RedPin, err)
		} else {
			b.red = l
		}
	}
	return b
}

// NewWithLines wires explicit lines, for tests and bench rigs.
func NewWithLines(green, red Line) *Blinker {
	return &Blinker{green: green, red: red}
}

// Tick toggles the heartbeat. Once faulted the green LED stays off and red
// stays on, so a glance at the board tells the recovery crew the state.
func (b *Blinker) Tick(now time.Time) {
	if b.faulted {
		return
	}
	b.greenOn = !b.greenOn
	if b.green != nil {
		if err := b.green.Set(b.greenOn); err != nil {
			log.Printf("statusled: green: %v", err)
		}
	}
}

// Fault latches the red indicator. Repeated calls are no-ops.
func (b *Blinker) Fault() {
	if b.faulted {
		return
	}
	b.faulted = true
	if b.green != nil {
		_ = b.green.Set(false)
	}
	if b.red != nil {
		if err := b.red.Set(true); err != nil {
			log.Printf("statusled: red: %v", err)
		}
	}
}

// Faulted reports whether the red indicator is latched.
func (b *Blinker) Faulted() bool { return b.faulted }

// Close turns everything off and releases the lines.
func (b *Blinker) Close() {
	for _, l := range []Line{b.green, b.red} {
		if l == nil {
			continue
		}
		_ = l.Set(false)
		_ = l.Close()
	}
	b.green, b.red = nil, nil
}
