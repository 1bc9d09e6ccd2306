package fusion

import "time"

// Config tunes the engine.
type Config struct {
	Beta float64
	// SamplePeriod is the nominal IMU rate, used for the first sample and
	// whenever timestamps are unusable.
	SamplePeriod time.Duration
}

// Engine owns the single mutable OrientationEstimate. It is designed to be
// driven by one scheduler task; readers take copies via Estimate.
type Engine struct {
	f   *Filter
	cfg Config

	est    Estimate
	lastAt time.Time

	accepted  uint64
	discarded uint64
}

func NewEngine(cfg Config) *Engine {
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = 10 * time.Millisecond // 100 Hz
	}
	e := &Engine{f: NewFilter(cfg.Beta), cfg: cfg}

	// Settle the filter on standard gravity so the first real samples start
	// from a stable state instead of an uninitialized gradient.
	dt := cfg.SamplePeriod.Seconds()
	for i := 0; i < 5; i++ {
		e.f.Update(0, 0, 0, 0, 0, 1, dt)
	}
	e.est = Estimate{Quat: e.f.Quaternion()}
	return e
}

// Ingest folds one IMU sample into the estimate. Invalid samples are
// discarded and the previous estimate is retained.
func (e *Engine) Ingest(s Sample) bool {
	dt := e.cfg.SamplePeriod.Seconds()
	if !e.lastAt.IsZero() && s.At.After(e.lastAt) {
		if d := s.At.Sub(e.lastAt).Seconds(); d > 0 && d < 0.5 {
			dt = d
		}
	}

	if !e.f.Update(s.Gx, s.Gy, s.Gz, s.Ax, s.Ay, s.Az, dt) {
		e.discarded++
		return false
	}
	e.lastAt = s.At
	e.est = Estimate{Quat: e.f.Quaternion(), UpdatedAt: s.At}
	e.accepted++
	return true
}

// Estimate returns a copy of the current attitude.
func (e *Engine) Estimate() Estimate { return e.est }

// Counts reports accepted/discarded sample totals.
func (e *Engine) Counts() (accepted, discarded uint64) {
	return e.accepted, e.discarded
}
