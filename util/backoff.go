package util

import (
	"math/rand"
	"time"
)

// RandomTimeRange returns a random duration in [interval/2, interval], so
// contending peers do not retry in lockstep.
func RandomTimeRange(interval time.Duration) time.Duration {
	half := int64(interval / 2)
	if half <= 0 {
		return interval
	}
	return time.Duration(half + rand.Int63n(int64(interval)-half+1))
}
