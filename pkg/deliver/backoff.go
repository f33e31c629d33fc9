package deliver

import (
	"math/rand/v2"
	"time"
)

// MaxAttempts bounds a delivery at eight attempts total across retries.
const MaxAttempts = 8

const (
	backoffBase = 5 * time.Second
	backoffCap  = 30 * time.Minute
	jitterCap   = 30 * time.Second
)

// Backoff returns the delay before the next attempt, given the zero-based
// retry count: min(30m, 5s * 2^r) plus uniform jitter of up to
// min(30s, delay).
func Backoff(retry int) time.Duration {
	delay := backoffBase
	for i := 0; i < retry && delay < backoffCap; i++ {
		delay *= 2
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	jitterMax := delay
	if jitterMax > jitterCap {
		jitterMax = jitterCap
	}
	return delay + time.Duration(rand.Float64()*float64(jitterMax))
}
