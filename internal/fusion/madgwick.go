// Package fusion maintains the vehicle attitude estimate from the external
// IMU sample stream using a Madgwick gradient-descent filter (gyro+accel,
// no magnetometer term).
//
// Each update is bounded-time and allocation-free so it can run inside a
// high-priority task. There is no retry logic here: an invalid sample is
// simply discarded and the previous estimate stands (last-known-good).
package fusion

import (
	"math"
	"time"
)

// Sample is one timestamped IMU reading. Gyro rates are rad/s, accelerations
// are in g (any consistent scale works; the filter normalizes).
type Sample struct {
	Gx, Gy, Gz float64
	Ax, Ay, Az float64
	At         time.Time
}

// Estimate is the filtered attitude. Readers receive copies and never mutate
// the engine's state.
type Estimate struct {
	Quat      [4]float64 // w, x, y, z
	UpdatedAt time.Time
}

// Filter is the Madgwick IMU-only update. Zero value is not usable; use
// NewFilter.
type Filter struct {
	beta           float64
	q0, q1, q2, q3 float64
}

// DefaultBeta matches the flight-tuned gain.
const DefaultBeta = 0.1

func NewFilter(beta float64) *Filter {
	if beta <= 0 {
		beta = DefaultBeta
	}
	return &Filter{beta: beta, q0: 1}
}

// Quaternion returns the current orientation as (w, x, y, z).
func (f *Filter) Quaternion() [4]float64 {
	return [4]float64{f.q0, f.q1, f.q2, f.q3}
}

// Update advances the filter by dt seconds. It returns false, leaving the
// state untouched, when the sample cannot be used (non-finite input,
// zero-norm accelerometer vector, or non-positive dt).
func (f *Filter) Update(gx, gy, gz, ax, ay, az, dt float64) bool {
	if dt <= 0 {
		return false
	}
	for _, v := range [7]float64{gx, gy, gz, ax, ay, az, dt} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	norm := math.Sqrt(ax*ax + ay*ay + az*az)
	if norm == 0 {
		return false
	}

	q0, q1, q2, q3 := f.q0, f.q1, f.q2, f.q3

	// Rate of change of quaternion from gyroscope.
	qDot1 := 0.5 * (-q1*gx - q2*gy - q3*gz)
	qDot2 := 0.5 * (q0*gx + q2*gz - q3*gy)
	qDot3 := 0.5 * (q0*gy - q1*gz + q3*gx)
	qDot4 := 0.5 * (q0*gz + q1*gy - q2*gx)

	// Gradient-descent corrective step from the accelerometer.
	ax, ay, az = ax/norm, ay/norm, az/norm

	twoQ0, twoQ1, twoQ2, twoQ3 := 2*q0, 2*q1, 2*q2, 2*q3
	fourQ0, fourQ1, fourQ2 := 4*q0, 4*q1, 4*q2
	eightQ1, eightQ2 := 8*q1, 8*q2
	q0q0, q1q1, q2q2, q3q3 := q0*q0, q1*q1, q2*q2, q3*q3

	s0 := fourQ0*q2q2 + twoQ2*ax + fourQ0*q1q1 - twoQ1*ay
	s1 := fourQ1*q3q3 - twoQ3*ax + 4*q0q0*q1 - twoQ0*ay - fourQ1 + eightQ1*q1q1 + eightQ1*q2q2 + fourQ1*az
	s2 := 4*q0q0*q2 + twoQ0*ax + fourQ2*q3q3 - twoQ3*ay - fourQ2 + eightQ2*q1q1 + eightQ2*q2q2 + fourQ2*az
	s3 := 4*q1q1*q3 - twoQ1*ax + 4*q2q2*q3 - twoQ2*ay

	sNorm := math.Sqrt(s0*s0 + s1*s1 + s2*s2 + s3*s3)
	if sNorm > 0 {
		s0, s1, s2, s3 = s0/sNorm, s1/sNorm, s2/sNorm, s3/sNorm
		qDot1 -= f.beta * s0
		qDot2 -= f.beta * s1
		qDot3 -= f.beta * s2
		qDot4 -= f.beta * s3
	}

	q0 += qDot1 * dt
	q1 += qDot2 * dt
	q2 += qDot3 * dt
	q3 += qDot4 * dt

	qNorm := math.Sqrt(q0*q0 + q1*q1 + q2*q2 + q3*q3)
	if qNorm == 0 || math.IsNaN(qNorm) {
		return false
	}
	f.q0, f.q1, f.q2, f.q3 = q0/qNorm, q1/qNorm, q2/qNorm, q3/qNorm
	return true
}
