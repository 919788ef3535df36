package sim

import (
	"crypto/rand"
	"encoding/binary"
)

// Randomness for the price walk comes from crypto/rand so that future steps
// cannot be predicted from observed prices. This is an anti-manipulation
// property of the venue, not a performance choice.

// randFloat returns a uniform float64 in [0, 1).
func randFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the process has no entropy source at
		// all; there is no meaningful fallback for this venue.
		panic("sim: crypto/rand unavailable: " + err.Error())
	}
	// 53 random mantissa bits, same construction as math/rand.Float64.
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// randRange returns a uniform float64 in [lo, hi).
func randRange(lo, hi float64) float64 {
	return lo + randFloat()*(hi-lo)
}

// randIntn returns a uniform int in [0, n).
func randIntn(n int) int {
	return int(randFloat() * float64(n))
}

// coinFlip returns true with probability 0.5.
func coinFlip() bool {
	return randFloat() < 0.5
}
