// Package config loads and validates the flight computer configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uorocketry/phoenix/internal/groundlink"
	"github.com/uorocketry/phoenix/internal/statusled"
)

type Config struct {
	Board      BoardConfig       `yaml:"board"`
	Bus        BusConfig         `yaml:"bus"`
	Baro       BaroConfig        `yaml:"baro"`
	Fusion     FusionConfig      `yaml:"fusion"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Radio      RadioConfig       `yaml:"radio"`
	LEDs       statusled.Config  `yaml:"leds"`
	GroundLink groundlink.Config `yaml:"groundlink"`
}

type BoardConfig struct {
	// ID is this node's bus address (0-15).
	ID int `yaml:"id"`
	// DeadlineMissLimit is how many consecutive deadline overruns degrade a
	// task.
	DeadlineMissLimit int `yaml:"deadline_miss_limit"`
}

type BusConfig struct {
	// Device is the frame port; empty selects the in-memory loopback for
	// bench runs.
	Device string `yaml:"device"`
	// PollInterval is the receive pump period.
	PollInterval time.Duration `yaml:"poll_interval"`
	TxRetryLimit int           `yaml:"tx_retry_limit"`
	TxQueueDepth int           `yaml:"tx_queue_depth"`
}

type BaroConfig struct {
	// Device is the SPI node, e.g. /dev/spidev0.0; empty disables the
	// barometer task.
	Device  string `yaml:"device"`
	SpeedHz int    `yaml:"speed_hz"`
	// OSR is the oversampling ratio: 256, 512, 1024, 2048 or 4096.
	OSR int `yaml:"osr"`
	// Period is how often a new conversion cycle starts.
	Period         time.Duration `yaml:"period"`
	CRCRetryLimit  int           `yaml:"crc_retry_limit"`
	ReadRetryLimit int           `yaml:"read_retry_limit"`
}

type FusionConfig struct {
	Beta         float64       `yaml:"beta"`
	SamplePeriod time.Duration `yaml:"sample_period"`
}

type TelemetryConfig struct {
	// Period is the downlink emit interval; RatePeriodSlow is what a
	// rate-change command to the slow rate selects.
	Period         time.Duration `yaml:"period"`
	RatePeriodSlow time.Duration `yaml:"rate_period_slow"`
}

type RadioConfig struct {
	// Device is the modem serial port; empty disables the radio downlink.
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config invalid: %s", trimYAMLErr(err))
	}

	if cfg.Board.ID < 0 || cfg.Board.ID > 15 {
		return Config{}, fmt.Errorf("board.id must be 0-15")
	}
	if cfg.Board.DeadlineMissLimit <= 0 {
		cfg.Board.DeadlineMissLimit = 3
	}

	if cfg.Bus.PollInterval <= 0 {
		cfg.Bus.PollInterval = 5 * time.Millisecond
	}
	if cfg.Bus.TxRetryLimit <= 0 {
		cfg.Bus.TxRetryLimit = 3
	}
	if cfg.Bus.TxQueueDepth <= 0 {
		cfg.Bus.TxQueueDepth = 32
	}

	if cfg.Baro.OSR == 0 {
		cfg.Baro.OSR = 4096
	}
	switch cfg.Baro.OSR {
	case 256, 512, 1024, 2048, 4096:
	default:
		return Config{}, fmt.Errorf("baro.osr must be 256, 512, 1024, 2048 or 4096")
	}
	if cfg.Baro.SpeedHz <= 0 {
		cfg.Baro.SpeedHz = 1_000_000
	}
	if cfg.Baro.Period <= 0 {
		cfg.Baro.Period = 50 * time.Millisecond
	}
	if cfg.Baro.CRCRetryLimit <= 0 {
		cfg.Baro.CRCRetryLimit = 3
	}
	if cfg.Baro.ReadRetryLimit <= 0 {
		cfg.Baro.ReadRetryLimit = 3
	}

	if cfg.Fusion.Beta <= 0 {
		cfg.Fusion.Beta = 0.1
	}
	if cfg.Fusion.SamplePeriod <= 0 {
		cfg.Fusion.SamplePeriod = 10 * time.Millisecond
	}

	if cfg.Telemetry.Period <= 0 {
		cfg.Telemetry.Period = 100 * time.Millisecond
	}
	if cfg.Telemetry.RatePeriodSlow <= 0 {
		cfg.Telemetry.RatePeriodSlow = 250 * time.Millisecond
	}
	if cfg.Telemetry.RatePeriodSlow < cfg.Telemetry.Period {
		return Config{}, fmt.Errorf("telemetry.rate_period_slow must not be faster than telemetry.period")
	}

	if cfg.Radio.Device != "" && cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 57600
	}

	if cfg.GroundLink.Enable && cfg.GroundLink.BrokerURL == "" {
		return Config{}, fmt.Errorf("groundlink.broker_url is required when groundlink.enable is true")
	}

	return cfg, nil
}

// trimYAMLErr strips the "yaml: " prefix so validation errors read
// uniformly.
func trimYAMLErr(err error) string {
	return strings.TrimPrefix(err.Error(), "yaml: ")
}
