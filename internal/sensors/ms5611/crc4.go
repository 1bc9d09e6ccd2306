package ms5611

import "fmt"

// PROM layout: 8 x 16-bit words. Word 0 is factory reserved, words 1..6 are
// C1..C6, word 7 packs the serial code with the CRC4 checksum in its low
// nibble. The checksum covers all eight words with the CRC field zeroed.
const promWords = 8

// Coefficients are the factory calibration words C1..C6. Immutable for the
// device's operating lifetime once validated.
type Coefficients struct {
	C1 uint16 // pressure sensitivity (SENS T1)
	C2 uint16 // pressure offset (OFF T1)
	C3 uint16 // temperature coefficient of pressure sensitivity (TCS)
	C4 uint16 // temperature coefficient of pressure offset (TCO)
	C5 uint16 // reference temperature (T REF)
	C6 uint16 // temperature coefficient of the temperature (TEMPSENS)
}

// CRC4 computes the 4-bit PROM checksum (datasheet AN520). The stored CRC
// nibble in word 7 is zeroed before the computation.
func CRC4(words [promWords]uint16) uint8 {
	w := words
	w[7] &= 0xFFF0 // zero only the 4-bit checksum field

	var rem uint16
	for i := 0; i < 16; i++ {
		if i%2 == 1 {
			rem ^= w[i>>1] & 0x00FF
		} else {
			rem ^= w[i>>1] >> 8
		}
		for bit := 8; bit > 0; bit-- {
			if rem&0x8000 != 0 {
				rem = (rem << 1) ^ 0x3000
			} else {
				rem <<= 1
			}
		}
	}
	return uint8((rem >> 12) & 0x0F)
}

// ValidateCoefficients checks the PROM image's CRC4 and unpacks C1..C6.
// Invalid coefficients make every downstream compensation result untrusted,
// so nothing is returned on mismatch.
func ValidateCoefficients(words [promWords]uint16) (Coefficients, error) {
	want := uint8(words[7] & 0x000F)
	got := CRC4(words)
	if got != want {
		return Coefficients{}, fmt.Errorf("ms5611: prom crc4 mismatch: computed 0x%X, stored 0x%X", got, want)
	}
	return Coefficients{
		C1: words[1],
		C2: words[2],
		C3: words[3],
		C4: words[4],
		C5: words[5],
		C6: words[6],
	}, nil
}
