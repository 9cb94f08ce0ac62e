// Package backoff computes reconnect delays.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes the delay between consecutive attempts.
// Factor 1 with Jitter 0 gives a fixed delay of Initial.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// Fixed returns a policy waiting the same delay before every attempt.
func Fixed(delay time.Duration) Policy {
	return Policy{Initial: delay, Max: delay, Factor: 1}
}

// Exponential returns the default reconnect policy: doubling delays with 20% jitter.
func Exponential(initial, max time.Duration) Policy {
	return Policy{Initial: initial, Max: max, Factor: 2, Jitter: 0.2}
}

// Delay returns the wait before the given attempt. Attempts start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0, 1).
func (p Policy) DelayWithRand(attempt int, random float64) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	if total < 0 {
		return 0
	}
	return time.Duration(total)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
