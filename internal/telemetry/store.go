// Package telemetry keeps the latest sensor and attitude values and turns
// them into periodic downlink traffic, and routes inbound commands to the
// rest of the system.
package telemetry

import (
	"github.com/uorocketry/phoenix/internal/fusion"
	"github.com/uorocketry/phoenix/internal/sensors/ms5611"
)

// Store is the latest-value cache fed by the acquisition tasks and read by
// the dispatcher. Only the newest value of each kind is kept; telemetry is
// a sampled view, not a log.
//
// Store is not goroutine-safe: all writers and readers are scheduler tasks
// on the executor goroutine.
type Store struct {
	baro    ms5611.Measurement
	hasBaro bool

	attitude    fusion.Estimate
	hasAttitude bool
}

func (s *Store) SetBaro(m ms5611.Measurement) {
	s.baro = m
	s.hasBaro = true
}

func (s *Store) SetAttitude(e fusion.Estimate) {
	s.attitude = e
	s.hasAttitude = true
}

// Snapshot is a copy of everything the store holds. The Has flags
// distinguish "no data yet" from zero values.
type Snapshot struct {
	Baro    ms5611.Measurement
	HasBaro bool

	Attitude    fusion.Estimate
	HasAttitude bool
}

func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Baro:        s.baro,
		HasBaro:     s.hasBaro,
		Attitude:    s.attitude,
		HasAttitude: s.hasAttitude,
	}
}
