package lifecycle

import (
	"math/rand/v2"
	"time"
)

// Shared reconnection schedule. Every subsystem that retries a transport
// (mesh dials, bridge reconnects) uses the same curve so operator
// intuition transfers between them.
const (
	BackoffInitial = 1 * time.Second
	BackoffMax     = 60 * time.Second
	BackoffMult    = 2
	BackoffJitter  = 0.3
	MaxRetries     = 15
)

// Backoff returns the delay before retry number attempt (0-based):
// min(initial * mult^attempt, max) scaled by a uniform ±jitter factor.
// Negative attempts are treated as zero.
func Backoff(attempt int) time.Duration {
	return backoffWith(attempt, rand.Float64)
}

// backoffWith lets tests pin the jitter source.
func backoffWith(attempt int, randFloat func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := BackoffInitial
	for i := 0; i < attempt; i++ {
		base *= BackoffMult
		if base >= BackoffMax {
			base = BackoffMax
			break
		}
	}

	// Uniform in [1-jitter, 1+jitter].
	factor := 1 + BackoffJitter*(2*randFloat()-1)
	return time.Duration(float64(base) * factor)
}
