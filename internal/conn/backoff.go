package conn

import (
	"math/rand"
	"time"
)

// backoffDelay computes the reconnect delay for the given attempt:
// exponential growth from base, capped, with jitter in the upper half of
// the window so consecutive attempts never collapse to the same instant.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	shift := attempt
	if shift > 6 {
		shift = 6
	}
	d := base << shift
	if cap > 0 && d > cap {
		d = cap
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
