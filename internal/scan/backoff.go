package scan

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// Retry policy defaults.
const (
	DefaultMaxRetries     = 4
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitter         = 0.2
)

// RetryPolicy configures how transient arm failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Jitter is the randomisation factor applied to each delay (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryPolicy returns the standard policy: 5 attempts over roughly
// 1+2+4+8 seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Jitter:         DefaultJitter,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = DefaultJitter
	}
	return p
}

// newBackOff builds a fresh bounded exponential schedule.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.MaxRetries == 0 {
		return &backoff.StopBackOff{}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	capped := &cappedBackOff{BackOff: exp, max: p.MaxBackoff}
	return backoff.WithMaxRetries(capped, uint64(p.MaxRetries)) //nolint:gosec // clamped non-negative
}

// cappedBackOff keeps jittered delays at or below max.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (c *cappedBackOff) NextBackOff() time.Duration {
	next := c.BackOff.NextBackOff()
	if next > c.max {
		return c.max
	}
	return next
}

// retry calls fn until it succeeds, fails permanently, the schedule is
// exhausted, or ctx is done. onRetry is called before each wait.
//
// Returns the last error from fn, or ctx.Err().
func (p RetryPolicy) retry(ctx context.Context, fn func() error, onRetry func(attempt int, wait time.Duration, err error)) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify)
	if err != nil && !IsPermanent(err) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
