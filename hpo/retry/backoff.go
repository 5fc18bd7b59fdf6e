package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// DefaultMaxWait caps a single backoff sleep when no explicit cap is configured.
const DefaultMaxWait = 60 * time.Second

// Jitter band applied to every backoff: the exponential base is scaled by a
// fresh uniform draw from [jitterLow, jitterHigh).
const (
	jitterLow  = 0.5
	jitterHigh = 1.0
)

// SleepFunc blocks for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Backoff returns the wait before retrying after the zero-based attempt:
// min(cap, 2^attempt * U(0.5, 1.0)) seconds.
//
// Thread-safety: NOT thread-safe. The policy's RNG must only be drawn from
// one goroutine, which matches the one-request-in-flight protocol.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := jitterLow + (jitterHigh-jitterLow)*p.rng.Float64()
	secs := math.Ldexp(factor, attempt) // factor * 2^attempt
	if p.maxWait > 0 && secs >= p.maxWait.Seconds() {
		return p.maxWait
	}
	return time.Duration(secs * float64(time.Second))
}

// newTimeSeededRand returns an RNG for production jitter.
// Tests pass a fixed-seed *rand.Rand through WithRand instead.
func newTimeSeededRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// sleepContext is the default SleepFunc.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
