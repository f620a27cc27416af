package engine

import (
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

// Default retry settings for dispatch.
const (
	DefaultRetryBase  = 10 * time.Second
	DefaultMaxRetries = 5
)

// RetryPolicy decides whether and when a failed dispatch is retried.
// Retries never re-provision the worker and never mint a new token.
type RetryPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	strategy backoff.Strategy
}

// DefaultRetryPolicy returns the policy used when none is configured:
// retries after 10s, 20s, 40s, 80s and 160s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       DefaultRetryBase,
		MaxRetries: DefaultMaxRetries,
	}
}

// withDefaults fills zero fields and builds the backoff strategy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = DefaultRetryBase
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	p.strategy = backoff.Exponential(p.Base)
	if p.MaxDelay > 0 {
		p.strategy = backoff.WithTransforms(p.strategy, linger.Limiter(0, p.MaxDelay))
	}
	return p
}

// MaxAttempts returns the total number of dispatch attempts allowed.
func (p RetryPolicy) MaxAttempts() int {
	return p.MaxRetries + 1
}

// Next returns the delay before retrying after the given failed attempt
// (1-based) and whether a retry is allowed at all.
func (p RetryPolicy) Next(attempt int, err error) (time.Duration, bool) {
	if !IsRetryable(err) {
		return 0, false
	}
	if attempt < 1 || attempt > p.MaxRetries {
		return 0, false
	}

	strategy := p.strategy
	if strategy == nil {
		strategy = p.withDefaults().strategy
	}
	return strategy(err, uint(attempt-1)), true
}

// Schedule returns every delay the policy would wait through if all
// attempts failed transiently.
func (p RetryPolicy) Schedule() []time.Duration {
	p = p.withDefaults()
	delays := make([]time.Duration, 0, p.MaxRetries)
	for n := 1; n <= p.MaxRetries; n++ {
		d, _ := p.Next(n, errTransientProbe)
		delays = append(delays, d)
	}
	return delays
}

var errTransientProbe = NewTransientDispatchError("probe", nil)
