// Package retry holds the backoff policy shared by presence updates and the
// push-channel reconnect loop.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// jitter is uniform in [0, backoff/jitterDivisor).
const jitterDivisor = 4

type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Default is used for explicit presence transitions and heartbeats.
var Default = Policy{
	Attempts:   3,
	Initial:    500 * time.Millisecond,
	Max:        8 * time.Second,
	Multiplier: 2,
}

// Once performs a single attempt.
var Once = Policy{Attempts: 1}

// Backoff returns the delay before the next attempt after failures
// consecutive failures.
func (p Policy) Backoff(failures int) time.Duration {
	if failures < 1 || p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial)
	for i := 1; i < failures; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	backoff := time.Duration(d)
	if p.Max > 0 && backoff > p.Max {
		backoff = p.Max
	}
	if n := int64(backoff) / jitterDivisor; n > 0 {
		backoff += time.Duration(rand.Int63n(n)) //nolint:gosec // jitter only
	}
	return backoff
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error, retryable func(error) bool) error {
	attempts := max(p.Attempts, 1)

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(p.Backoff(i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || (retryable != nil && !retryable(err)) {
			return err
		}
	}
	return err
}
