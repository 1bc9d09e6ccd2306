package ms5611

// Compensate converts a raw pressure/temperature pair (D1, D2) into
// centidegrees Celsius and centimillibar using the datasheet first- and
// second-order algorithm.
//
// Every intermediate product is carried in int64: OFF and SENS exceed 32 bits
// for ordinary inputs, and truncating them is a correctness bug, not a
// precision loss. Divisions by powers of two use arithmetic right shifts
// (truncation toward negative infinity), matching the reference
// implementation's rounding.
func Compensate(c Coefficients, d1, d2 uint32) (tempCentiC, pressCentiMbar int32) {
	c1 := int64(c.C1)
	c2 := int64(c.C2)
	c3 := int64(c.C3)
	c4 := int64(c.C4)
	c5 := int64(c.C5)
	c6 := int64(c.C6)
	rawP := int64(d1)
	rawT := int64(d2)

	// First order.
	// dT = D2 - C5 * 2^8
	dt := rawT - (c5 << 8)
	// TEMP = 2000 + dT * C6 / 2^23, in 0.01 degC
	temp := 2000 + ((dt * c6) >> 23)
	// OFF = C2 * 2^16 + (C4 * dT) / 2^7
	off := (c2 << 16) + ((c4 * dt) >> 7)
	// SENS = C1 * 2^15 + (C3 * dT) / 2^8
	sens := (c1 << 15) + ((c3 * dt) >> 8)

	// Second order, low-temperature correction only.
	if temp < 2000 {
		t2 := (dt * dt) >> 31
		sq := (temp - 2000) * (temp - 2000)
		off2 := (5 * sq) >> 1
		sens2 := (5 * sq) >> 2
		if temp < -1500 {
			sqLow := (temp + 1500) * (temp + 1500)
			off2 += 7 * sqLow
			sens2 += (11 * sqLow) >> 1
		}
		temp -= t2
		off -= off2
		sens -= sens2
	}

	// P = (D1 * SENS / 2^21 - OFF) / 2^15, in 0.01 mbar
	p := (((rawP * sens) >> 21) - off) >> 15

	return int32(temp), int32(p)
}
