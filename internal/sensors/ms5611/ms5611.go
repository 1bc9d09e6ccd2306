// Package ms5611 drives the MS5611 barometric pressure/temperature sensor as
// a non-blocking command/timing state machine.
//
// The device is command based: every conversion is "issue convert command,
// wait the OSR-dependent maximum conversion time, issue ADC read". Reading
// early (or twice) returns zero, which must never be treated as a valid
// sample. The driver therefore never sleeps; Step performs exactly one legal
// action and reports how long the caller must wait before the next one, so a
// scheduler can arm a timer and resume later.
package ms5611

import (
	"errors"
	"fmt"
	"time"
)

// Command set, datasheet section 4.1. Multi-byte results are MSB first.
const (
	cmdReset   = 0x1E
	cmdADCRead = 0x00
	cmdPROM    = 0xA0 // PROM read base; word n at 0xA0 + 2n

	cmdConvertD1 = 0x40 // pressure, + OSR offset
	cmdConvertD2 = 0x50 // temperature, + OSR offset
)

// resetReload is the post-reset PROM reload time. Datasheet max is 2.8 ms;
// round up so a timer-granularity early fire cannot violate the window.
const resetReload = 3 * time.Millisecond

// OversamplingRatio selects the conversion time/resolution trade-off.
type OversamplingRatio int

const (
	OSR256 OversamplingRatio = iota
	OSR512
	OSR1024
	OSR2048
	OSR4096
)

// conversionTime returns the datasheet MAXIMUM conversion time. Using the
// typical figure would make early (zero) reads possible on slow parts.
func (o OversamplingRatio) conversionTime() time.Duration {
	switch o {
	case OSR256:
		return 600 * time.Microsecond
	case OSR512:
		return 1170 * time.Microsecond
	case OSR1024:
		return 2280 * time.Microsecond
	case OSR2048:
		return 4540 * time.Microsecond
	default:
		return 9040 * time.Microsecond
	}
}

func (o OversamplingRatio) commandOffset() byte {
	switch o {
	case OSR256:
		return 0x00
	case OSR512:
		return 0x02
	case OSR1024:
		return 0x04
	case OSR2048:
		return 0x06
	default:
		return 0x08
	}
}

// ParseOSR maps a config value (the sample count) to an OversamplingRatio.
func ParseOSR(n int) (OversamplingRatio, error) {
	switch n {
	case 256:
		return OSR256, nil
	case 512:
		return OSR512, nil
	case 1024:
		return OSR1024, nil
	case 2048:
		return OSR2048, nil
	case 4096:
		return OSR4096, nil
	}
	return 0, fmt.Errorf("ms5611: unsupported OSR %d", n)
}

// Transport is the command-level bus access the driver needs (SPI with the
// chip select handled below this interface, or I2C with the address bound).
type Transport interface {
	// Command writes a single command byte.
	Command(cmd byte) error
	// Transfer writes a command byte, then clocks out n result bytes.
	Transfer(cmd byte, n int) ([]byte, error)
}

// State of the driver's command/timing machine.
type State int

const (
	StateIdle State = iota
	StateResetPending
	StateCalibrationLoading
	StateReady
	StateConvertingPressure
	StateConvertingTemperature
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResetPending:
		return "reset_pending"
	case StateCalibrationLoading:
		return "calibration_loading"
	case StateReady:
		return "ready"
	case StateConvertingPressure:
		return "converting_pressure"
	case StateConvertingTemperature:
		return "converting_temperature"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

// SampleKind tags a raw ADC code.
type SampleKind int

const (
	KindPressure SampleKind = iota
	KindTemperature
)

// RawSample is one 24-bit ADC result. A zero Code is invalid by definition
// (read too early, or double read).
type RawSample struct {
	Kind       SampleKind
	Code       uint32
	CapturedAt time.Time
}

// Measurement is the compensated output of one temperature+pressure pair.
type Measurement struct {
	TemperatureCentiC int32 // 2007 = 20.07 degC
	PressureCentiMbar int32 // 100009 = 1000.09 mbar
	ComputedAt        time.Time
}

var (
	// ErrCalibration means the PROM CRC4 never validated within the retry
	// bound; the device is non-operational and every downstream result would
	// be untrusted.
	ErrCalibration = errors.New("ms5611: calibration CRC failed")
	// ErrConversion means repeated zero/early ADC reads exhausted the retry
	// bound for a single conversion.
	ErrConversion = errors.New("ms5611: conversion failed")
	// ErrFaulted is returned by Step once the driver has latched a fault;
	// only ForceReset leaves this state.
	ErrFaulted = errors.New("ms5611: device faulted")
)

// Config bounds the driver's local recovery.
type Config struct {
	OSR OversamplingRatio
	// CRCRetryLimit bounds reset+reload attempts on CRC mismatch.
	CRCRetryLimit int
	// ReadRetryLimit bounds re-conversions after zero ADC reads.
	ReadRetryLimit int
}

// Device is the MS5611 state machine. Not safe for concurrent use; it is
// designed to be owned by a single scheduler task.
type Device struct {
	tr  Transport
	cfg Config

	state  State
	coeffs Coefficients

	// readyAt is the earliest instant the in-flight wait (reset reload or
	// conversion) is allowed to complete.
	readyAt time.Time

	crcRetries  int
	readRetries int

	d2 RawSample // temperature, first half of the pair
}

func New(tr Transport, cfg Config) (*Device, error) {
	if tr == nil {
		return nil, fmt.Errorf("ms5611: transport is nil")
	}
	if cfg.CRCRetryLimit <= 0 {
		cfg.CRCRetryLimit = 3
	}
	if cfg.ReadRetryLimit <= 0 {
		cfg.ReadRetryLimit = 3
	}
	return &Device{tr: tr, cfg: cfg, state: StateIdle}, nil
}

func (d *Device) State() State { return d.state }

// Coefficients returns the validated calibration words. Only meaningful once
// the driver has reached Ready at least once.
func (d *Device) Coefficients() Coefficients { return d.coeffs }

// Step performs the single action that is legal in the current state and
// returns the delay until the next Step is allowed. A non-nil Measurement is
// returned when a full temperature+pressure cycle has completed. Step never
// busy-waits: when called before a mandated delay has elapsed it issues no
// command and returns the remaining wait.
func (d *Device) Step(now time.Time) (*Measurement, time.Duration, error) {
	switch d.state {
	case StateIdle:
		return nil, d.issueReset(now), nil

	case StateResetPending:
		if remain := d.readyAt.Sub(now); remain > 0 {
			return nil, remain, nil
		}
		return nil, 0, d.loadCalibration()

	case StateCalibrationLoading:
		// Transient state; loadCalibration resolves it synchronously.
		return nil, 0, nil

	case StateReady:
		// Temperature first: dT feeds the pressure compensation.
		if err := d.startConversion(KindTemperature, now); err != nil {
			return nil, 0, err
		}
		return nil, d.cfg.OSR.conversionTime(), nil

	case StateConvertingTemperature:
		sample, retry, err := d.finishConversion(KindTemperature, now)
		if err != nil || retry > 0 {
			return nil, retry, err
		}
		d.d2 = sample
		if err := d.startConversion(KindPressure, now); err != nil {
			return nil, 0, err
		}
		return nil, d.cfg.OSR.conversionTime(), nil

	case StateConvertingPressure:
		sample, retry, err := d.finishConversion(KindPressure, now)
		if err != nil || retry > 0 {
			return nil, retry, err
		}
		d.state = StateReady
		tempC, pressMbar := Compensate(d.coeffs, sample.Code, d.d2.Code)
		return &Measurement{
			TemperatureCentiC: tempC,
			PressureCentiMbar: pressMbar,
			ComputedAt:        now,
		}, 0, nil

	case StateFaulted:
		return nil, 0, ErrFaulted
	}
	return nil, 0, fmt.Errorf("ms5611: invalid state %v", d.state)
}

// ForceReset abandons any in-flight conversion and re-enters the reset path.
// The watchdog uses this to recover a driver stuck in Converting.
func (d *Device) ForceReset(now time.Time) time.Duration {
	d.crcRetries = 0
	d.readRetries = 0
	d.d2 = RawSample{}
	return d.issueReset(now)
}

func (d *Device) issueReset(now time.Time) time.Duration {
	if err := d.tr.Command(cmdReset); err != nil {
		// Command write failures follow the CRC retry budget: the PROM load
		// is going to fail anyway if the bus is down.
		d.crcRetries++
	}
	d.state = StateResetPending
	d.readyAt = now.Add(resetReload)
	return resetReload
}

func (d *Device) loadCalibration() error {
	d.state = StateCalibrationLoading

	var words [promWords]uint16
	ok := true
	for i := 0; i < promWords; i++ {
		b, err := d.tr.Transfer(cmdPROM+byte(2*i), 2)
		if err != nil || len(b) < 2 {
			ok = false
			break
		}
		words[i] = uint16(b[0])<<8 | uint16(b[1])
	}

	if ok {
		c, err := ValidateCoefficients(words)
		if err == nil {
			d.coeffs = c
			d.crcRetries = 0
			d.state = StateReady
			return nil
		}
	}

	d.crcRetries++
	if d.crcRetries >= d.cfg.CRCRetryLimit {
		d.state = StateFaulted
		return fmt.Errorf("%w after %d attempts", ErrCalibration, d.crcRetries)
	}
	// Bounded retry: back through reset so the PROM reload is clean.
	d.state = StateIdle
	return nil
}

func (d *Device) startConversion(kind SampleKind, now time.Time) error {
	cmd := byte(cmdConvertD1)
	next := StateConvertingPressure
	if kind == KindTemperature {
		cmd = cmdConvertD2
		next = StateConvertingTemperature
	}
	if err := d.tr.Command(cmd + d.cfg.OSR.commandOffset()); err != nil {
		return fmt.Errorf("ms5611: convert command: %w", err)
	}
	d.state = next
	d.readyAt = now.Add(d.cfg.OSR.conversionTime())
	return nil
}

// finishConversion reads the ADC once the conversion window has elapsed.
// retry > 0 means "come back after this delay" (either the window has not
// elapsed, or the read returned zero and the same conversion was reissued).
func (d *Device) finishConversion(kind SampleKind, now time.Time) (RawSample, time.Duration, error) {
	if remain := d.readyAt.Sub(now); remain > 0 {
		// Reading now would abort the conversion and yield zero. Wait it out.
		return RawSample{}, remain, nil
	}

	b, err := d.tr.Transfer(cmdADCRead, 3)
	if err != nil {
		return RawSample{}, 0, fmt.Errorf("ms5611: adc read: %w", err)
	}
	if len(b) < 3 {
		return RawSample{}, 0, fmt.Errorf("ms5611: short adc read (%d bytes)", len(b))
	}
	code := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])

	if code == 0 {
		// Zero signals a timing violation (read too early or double read).
		// Retry the same conversion, bounded.
		d.readRetries++
		if d.readRetries >= d.cfg.ReadRetryLimit {
			d.state = StateFaulted
			return RawSample{}, 0, fmt.Errorf("%w: %d zero reads", ErrConversion, d.readRetries)
		}
		if err := d.startConversion(kind, now); err != nil {
			return RawSample{}, 0, err
		}
		return RawSample{}, d.cfg.OSR.conversionTime(), nil
	}

	d.readRetries = 0
	return RawSample{Kind: kind, Code: code, CapturedAt: now}, 0, nil
}
