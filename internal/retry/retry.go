// Package retry implements exponential backoff with jitter for transient
// backend failures. The policy is pure arithmetic over durations and attempt
// counts; it knows nothing about what is being retried.
package retry

import (
	"math/rand"
	"time"
)

// Policy defines the backoff schedule for one call's attempt loop.
type Policy struct {
	// SleepTime is the base sleep before the first retry.
	SleepTime time.Duration
	// BackoffFactor multiplies the running sleep time after each retry.
	BackoffFactor float64
	// JitterFactor is the fraction of the running sleep time sampled as
	// a uniform offset within +/- half that amount.
	JitterFactor float64
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int
}

// DefaultPolicy matches the pipeline's standard schedule: five attempts,
// 2s base sleep, 3x backoff, 0.5 jitter fraction.
func DefaultPolicy() Policy {
	return Policy{
		SleepTime:     2 * time.Second,
		BackoffFactor: 3.0,
		JitterFactor:  0.5,
		MaxAttempts:   5,
	}
}

// Jittered returns sleep plus a uniformly sampled offset within
// +/-(JitterFactor*sleep)/2.
func (p Policy) Jittered(sleep time.Duration) time.Duration {
	if p.JitterFactor <= 0 {
		return sleep
	}
	maxJitter := float64(sleep) * p.JitterFactor
	offset := (rand.Float64() - 0.5) * maxJitter
	return sleep + time.Duration(offset)
}

// Next returns the running sleep time for the following retry round.
func (p Policy) Next(sleep time.Duration) time.Duration {
	return time.Duration(float64(sleep) * p.BackoffFactor)
}
