// Package backoff computes retry delays for webhook delivery attempts.
package backoff

import (
	"math"
	"time"
)

const maxDuration = time.Duration(math.MaxInt64)

// Strategy computes the delay before retry n (1-indexed). Retry 1 follows the
// first failed attempt.
type Strategy interface {
	Delay(retry int) time.Duration
}

// Exponential doubles the delay each retry: Initial * 2^(retry-1), capped at Max
// when Max is positive.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay implements Strategy.
func (e *Exponential) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := e.Initial
	for i := 1; i < retry; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
		if d <= 0 {
			return maxDuration
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Constant returns the same delay for every retry.
type Constant struct {
	Interval time.Duration
}

// Delay implements Strategy.
func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Schedule lists the delays for retries 1..n.
func Schedule(s Strategy, n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, s.Delay(i))
	}
	return out
}
