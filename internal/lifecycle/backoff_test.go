package lifecycle

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// expectedBase mirrors the undithered schedule: 1s, 2s, 4s, ... capped
// at 60s.
func expectedBase(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := BackoffInitial
	for i := 0; i < attempt; i++ {
		base *= BackoffMult
		if base >= BackoffMax {
			return BackoffMax
		}
	}
	return base
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // 64s capped
		{14, 60 * time.Second},
	}
	for _, tc := range cases {
		got := backoffWith(tc.attempt, func() float64 { return 0.5 }) // zero jitter
		if got != tc.base {
			t.Errorf("attempt %d: delay = %v, want %v", tc.attempt, got, tc.base)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(-1, 20).Draw(t, "attempt")
		r := rapid.Float64Range(0, 1).Draw(t, "rand")

		delay := backoffWith(attempt, func() float64 { return r })

		base := expectedBase(attempt)
		lo := time.Duration(float64(base) * (1 - BackoffJitter))
		hi := time.Duration(float64(base) * (1 + BackoffJitter))
		if delay < lo || delay > hi {
			t.Fatalf("attempt %d, rand %v: delay %v outside [%v, %v]", attempt, r, delay, lo, hi)
		}
	})
}

func TestBackoffNeverExceedsJitteredMax(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(0, 1000).Draw(t, "attempt")
		delay := Backoff(attempt)
		hi := time.Duration(float64(BackoffMax) * (1 + BackoffJitter))
		if delay > hi {
			t.Fatalf("attempt %d: delay %v exceeds jittered max %v", attempt, delay, hi)
		}
		if delay <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, delay)
		}
	})
}
