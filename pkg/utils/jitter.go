package utils

import (
	"math/rand/v2"
	"time"
)

// JitterUp stretches base by a random amount of up to fraction of itself,
// so JitterUp(time.Second, 0.25) returns 1s-1.25s. Workers sharing a queue
// use it to spread their polls.
func JitterUp(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || base <= 0 {
		return base
	}
	fraction = min(fraction, 1)
	return base + time.Duration(rand.Float64()*float64(base)*fraction)
}
