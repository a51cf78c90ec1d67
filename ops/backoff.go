package ops

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff maps a zero-based attempt ordinal to a jittered wait. The first
// retries are fast, reflecting that most CAS races and network blips clear
// immediately; later attempts spread to a five second ceiling.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1:
		return time.Millisecond * 10
	case 2, 3:
		return time.Millisecond * time.Duration(50+rand.IntN(200))
	default:
		return time.Second + time.Duration(rand.Int64N(int64(4*time.Second)))
	}
}

// FullJitter returns a uniformly random duration in [min, max].
func FullJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)))
}

// Sleep waits for |d| or until |ctx| is done, returning its error.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
