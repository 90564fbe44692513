package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often and how fast a failed task attempt is retried.
// It only ever applies to functions whose side-effect class is retry-safe.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy mirrors the intervals the worker fleet has been running
// with: quick first retry, capped exponential growth.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// newBackOff builds the per-task backoff source for one run. Randomization is
// disabled so retry timing stays reproducible in tests.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
