package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/orcaflow/orca/common/clock"
)

const (
	defaultBackoffCoefficient = 2.0
	defaultJitterFraction     = 0.2
)

// RetryPolicy computes the interval before the next attempt. A negative
// return value stops retrying.
type RetryPolicy interface {
	ComputeNextInterval(attempt int) time.Duration
}

// IsRetryable decides whether an error is worth another attempt.
type IsRetryable func(error) bool

// Operation is a unit of retriable work.
type Operation func() error

// ExponentialRetryPolicy grows the interval by a fixed coefficient up to a
// cap, with jitter, bounded by a maximum attempt count.
type ExponentialRetryPolicy struct {
	initialInterval time.Duration
	maximumInterval time.Duration
	maximumAttempts int
	coefficient     float64
}

// NewExponentialRetryPolicy returns a policy starting at initialInterval with
// the default coefficient, no interval cap and no attempt cap.
func NewExponentialRetryPolicy(initialInterval time.Duration) *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		initialInterval: initialInterval,
		maximumInterval: 0,
		maximumAttempts: 0,
		coefficient:     defaultBackoffCoefficient,
	}
}

// WithMaximumInterval caps the computed interval.
func (p *ExponentialRetryPolicy) WithMaximumInterval(d time.Duration) *ExponentialRetryPolicy {
	p.maximumInterval = d
	return p
}

// WithMaximumAttempts bounds the total number of attempts.
func (p *ExponentialRetryPolicy) WithMaximumAttempts(n int) *ExponentialRetryPolicy {
	p.maximumAttempts = n
	return p
}

// ComputeNextInterval implements RetryPolicy. attempt is zero-based: the
// value for the retry after the first failure is attempt 0.
func (p *ExponentialRetryPolicy) ComputeNextInterval(attempt int) time.Duration {
	if p.maximumAttempts > 0 && attempt >= p.maximumAttempts-1 {
		return -1
	}

	interval := float64(p.initialInterval)
	for i := 0; i < attempt; i++ {
		interval *= p.coefficient
		if p.maximumInterval > 0 && interval >= float64(p.maximumInterval) {
			interval = float64(p.maximumInterval)
			break
		}
	}

	jitter := interval * defaultJitterFraction * rand.Float64()
	return time.Duration(interval + jitter)
}

// Retry runs op until it succeeds, the policy gives up, the error is not
// retryable, or ctx is done. The last error is returned.
func Retry(ctx context.Context, timeSource clock.TimeSource, op Operation, policy RetryPolicy, isRetryable IsRetryable) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		interval := policy.ComputeNextInterval(attempt)
		if interval < 0 {
			return err
		}

		timer := timeSource.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}
