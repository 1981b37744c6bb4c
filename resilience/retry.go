// Package resilience wraps keeper actions with retry-with-backoff and a
// circuit breaker keyed by (operation, campaign).
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"campaignkeeper/faults"
)

// JitterFraction bounds the uniform jitter applied to every backoff delay.
const JitterFraction = 0.25

// RetryPolicy configures retry-with-backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy mirrors the keeper's production settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

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

// Retrier re-runs transient failures on an exponential schedule.
type Retrier struct {
	policy RetryPolicy
	sleep  Sleeper
	// jitter returns a uniform sample in [0, 1).
	jitter func() float64
}

// RetryOption customises a Retrier.
type RetryOption func(*Retrier)

// WithSleeper replaces the real timer, letting tests record delays.
func WithSleeper(s Sleeper) RetryOption {
	return func(r *Retrier) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithJitterSource replaces the random source used for jitter.
func WithJitterSource(fn func() float64) RetryOption {
	return func(r *Retrier) {
		if fn != nil {
			r.jitter = fn
		}
	}
}

// NewRetrier builds a Retrier for policy.
func NewRetrier(policy RetryPolicy, opts ...RetryOption) *Retrier {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	r := &Retrier{policy: policy, sleep: sleepContext, jitter: rand.Float64}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Policy returns the configured policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Delay returns the wait before attempt n (n >= 1): min(base*2^(n-1), max)
// scaled by a uniform factor in [1-JitterFraction, 1+JitterFraction).
func (r *Retrier) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := r.policy.BaseDelay << shift
	if delay > r.policy.MaxDelay || delay < 0 {
		delay = r.policy.MaxDelay
	}
	factor := 1 + (r.jitter()*2-1)*JitterFraction
	jittered := time.Duration(float64(delay) * factor)
	if jittered < 0 {
		return 0
	}
	return jittered
}

// Do runs fn up to MaxRetries+1 times. Only retryable failures are re-run;
// the last error is returned unchanged unless ctx ends during a backoff, in
// which case it is joined with the context error.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := r.sleep(ctx, r.Delay(attempt)); sleepErr != nil {
				return errors.Join(err, sleepErr)
			}
		}
		err = fn(ctx)
		if err == nil || !faults.Retryable(err) {
			return err
		}
	}
	return err
}
