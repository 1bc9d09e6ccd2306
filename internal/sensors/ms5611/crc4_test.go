package ms5611

import "testing"

func examplePROM() [promWords]uint16 {
	w := [promWords]uint16{
		0x3132, // factory word
		exampleCoeffs.C1,
		exampleCoeffs.C2,
		exampleCoeffs.C3,
		exampleCoeffs.C4,
		exampleCoeffs.C5,
		exampleCoeffs.C6,
		0x2800, // serial field, CRC nibble filled in below
	}
	w[7] |= uint16(CRC4(w))
	return w
}

func TestCRC4_AllZeroVector(t *testing.T) {
	var zero [promWords]uint16
	if got := CRC4(zero); got != 0 {
		t.Fatalf("CRC4(all zero) = 0x%X, want 0", got)
	}
	if _, err := ValidateCoefficients(zero); err != nil {
		t.Fatalf("all-zero PROM should validate: %v", err)
	}
}

func TestCRC4_AcceptsValidPROM(t *testing.T) {
	c, err := ValidateCoefficients(examplePROM())
	if err != nil {
		t.Fatalf("valid PROM rejected: %v", err)
	}
	if c != exampleCoeffs {
		t.Fatalf("coefficients = %+v, want %+v", c, exampleCoeffs)
	}
}

func TestCRC4_RejectsEverySingleBitFlip(t *testing.T) {
	good := examplePROM()
	for word := 0; word < promWords; word++ {
		for bit := 0; bit < 16; bit++ {
			w := good
			w[word] ^= 1 << bit
			if _, err := ValidateCoefficients(w); err == nil {
				t.Errorf("bit flip word %d bit %d not detected", word, bit)
			}
		}
	}
}
