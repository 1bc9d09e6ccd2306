package sched

import (
	"context"
	"time"
)

// Run drives the executor off real time until ctx is canceled. It sleeps
// until the next trigger deadline (or an external Fire), then fires due
// triggers and drains all eligible dispatches.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started {
		if err := s.Start(s.Now()); err != nil {
			return err
		}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		now := s.Now()
		s.Advance(now)
		for s.Dispatch(now) {
			now = s.Now()
		}

		wait := time.Hour
		if at, ok := s.NextDeadline(); ok {
			wait = at.Sub(s.Now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
		}
	}
}
