package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"campaignkeeper/faults"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func noJitter() float64 { return 0.5 }

func TestRetryFollowsBackoffSchedule(t *testing.T) {
	sleeper := &recordingSleeper{}
	r := NewRetrier(DefaultRetryPolicy(), WithSleeper(sleeper.Sleep), WithJitterSource(noJitter))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls <= 2 {
			return faults.Transient("campaign_list", errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.delays)
}

func TestRetryReturnsLastErrorAfterExhaustion(t *testing.T) {
	sleeper := &recordingSleeper{}
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	r := NewRetrier(policy, WithSleeper(sleeper.Sleep), WithJitterSource(noJitter))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return faults.Transient("op", errors.New("attempt failed"))
	})
	require.Error(t, err)
	require.Equal(t, 6, calls)
	require.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, sleeper.delays)
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	sleeper := &recordingSleeper{}
	r := NewRetrier(DefaultRetryPolicy(), WithSleeper(sleeper.Sleep))
	for _, failure := range []error{
		faults.Reject("campaign_payout", "Unauthorized", errors.New("6005")),
		faults.Integrityf("payout", "record missing"),
	} {
		calls := 0
		err := r.Do(context.Background(), func(context.Context) error {
			calls++
			return failure
		})
		require.ErrorIs(t, err, failure)
		require.Equal(t, 1, calls)
	}
	require.Empty(t, sleeper.delays)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(DefaultRetryPolicy())
	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return faults.Transient("op", errors.New("flaky"))
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, faults.ClassTransient, faults.ClassOf(err))
	require.Equal(t, 1, calls)
}

func TestGuardIgnoresShutdownDuringBackoff(t *testing.T) {
	breaker := NewBreaker(BreakerPolicy{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	guard := NewGuard(NewRetrier(RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}), breaker, nil)
	key := NewKey("payout", "c1")

	err := guard.Do(ctx, key, func(context.Context) error {
		cancel()
		return faults.Transient("payout", errors.New("node unreachable"))
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, guard.Do(context.Background(), key, func(context.Context) error { return nil }))
}

func TestDelayJitterBounds(t *testing.T) {
	low := NewRetrier(DefaultRetryPolicy(), WithJitterSource(func() float64 { return 0 }))
	high := NewRetrier(DefaultRetryPolicy(), WithJitterSource(func() float64 { return 0.999999 }))
	for attempt := 1; attempt <= 6; attempt++ {
		nominal := DefaultRetryPolicy().BaseDelay << (attempt - 1)
		if nominal > DefaultRetryPolicy().MaxDelay {
			nominal = DefaultRetryPolicy().MaxDelay
		}
		require.Equal(t, time.Duration(float64(nominal)*0.75), low.Delay(attempt))
		require.LessOrEqual(t, high.Delay(attempt), time.Duration(float64(nominal)*1.25))
		require.Greater(t, high.Delay(attempt), nominal)
	}
	require.Zero(t, low.Delay(0))
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(DefaultBreakerPolicy(), clock.Now)
	key := NewKey("finalize", "camp1")

	for i := 1; i < 5; i++ {
		state, opened := b.Failure(key)
		require.False(t, opened)
		require.Equal(t, i, state.ConsecutiveFailures)
		require.Equal(t, StateClosed, state.State)
	}
	state, opened := b.Failure(key)
	require.True(t, opened)
	require.Equal(t, StateOpen, state.State)

	_, err := b.Allow(key)
	require.ErrorIs(t, err, ErrCircuitOpen)

	other := NewKey("finalize", "camp2")
	trial, err := b.Allow(other)
	require.NoError(t, err)
	require.False(t, trial)
	require.Equal(t, 1, b.OpenCount())
}

type recordingObserver struct {
	mu       sync.Mutex
	opened   []Key
	rejected []Key
}

func (o *recordingObserver) CircuitOpened(key Key, _ FailureState, _ error) {
	o.mu.Lock()
	o.opened = append(o.opened, key)
	o.mu.Unlock()
}

func (o *recordingObserver) CallRejected(key Key) {
	o.mu.Lock()
	o.rejected = append(o.rejected, key)
	o.mu.Unlock()
}

func newTestGuard(clock *fakeClock, observer Observer) *Guard {
	sleeper := &recordingSleeper{}
	retrier := NewRetrier(RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second},
		WithSleeper(sleeper.Sleep), WithJitterSource(noJitter))
	return NewGuard(retrier, NewBreaker(BreakerPolicy{FailureThreshold: 3, RecoveryTimeout: time.Minute}, clock.Now), observer)
}

func TestGuardCircuitLifecycle(t *testing.T) {
	clock := newFakeClock()
	observer := &recordingObserver{}
	g := newTestGuard(clock, observer)
	key := NewKey("payout", "camp1")
	ctx := context.Background()

	invocations := 0
	failing := func(context.Context) error {
		invocations++
		return faults.Transient("campaign_payout", errors.New("timeout"))
	}

	for i := 0; i < 3; i++ {
		require.Error(t, g.Do(ctx, key, failing))
	}
	// Each guarded call retried twice before counting a single failure.
	require.Equal(t, 9, invocations)
	require.Equal(t, []Key{key}, observer.opened)
	require.Equal(t, 3, g.Breaker().State(key).ConsecutiveFailures)

	// Open: rejected without invoking the operation.
	err := g.Do(ctx, key, failing)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, 9, invocations)
	require.Equal(t, []Key{key}, observer.rejected)
	require.Equal(t, 3, g.Breaker().State(key).ConsecutiveFailures, "rejections must not count")

	// After the recovery timeout exactly one attempt is let through.
	clock.Advance(time.Minute)
	calls := 0
	require.NoError(t, g.Do(ctx, key, func(context.Context) error {
		calls++
		return nil
	}))
	require.Equal(t, 1, calls)
	state := g.Breaker().State(key)
	require.Equal(t, StateClosed, state.State)
	require.Zero(t, state.ConsecutiveFailures)
}

func TestGuardFailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	observer := &recordingObserver{}
	g := newTestGuard(clock, observer)
	key := NewKey("finalize", GlobalScope)
	ctx := context.Background()

	fail := func(context.Context) error { return faults.Transient("x", errors.New("down")) }
	for i := 0; i < 3; i++ {
		_ = g.Do(ctx, key, fail)
	}
	clock.Advance(2 * time.Minute)

	calls := 0
	err := g.Do(ctx, key, func(c context.Context) error {
		calls++
		return fail(c)
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "half-open trial is never retried")
	state := g.Breaker().State(key)
	require.Equal(t, StateOpen, state.State)
	require.Equal(t, 4, state.ConsecutiveFailures)
	require.Len(t, observer.opened, 2)

	require.ErrorIs(t, g.Do(ctx, key, fail), ErrCircuitOpen)
}

func TestGuardOnlyOneHalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(clock, nil)
	key := NewKey("purchase", "camp9")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = g.Do(ctx, key, func(context.Context) error { return faults.Transient("x", errors.New("down")) })
	}
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, key, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	require.ErrorIs(t, g.Do(ctx, key, func(context.Context) error { return nil }), ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateClosed, g.Breaker().State(key).State)
}

func TestGuardDoesNotCountRejections(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(clock, nil)
	key := NewKey("set_commitment", "camp1")
	reject := faults.Reject("campaign_setMerchantHash", "WrongStatus", errors.New("6002"))
	for i := 0; i < 10; i++ {
		require.ErrorIs(t, g.Do(context.Background(), key, func(context.Context) error { return reject }), reject)
	}
	require.Zero(t, g.Breaker().State(key).ConsecutiveFailures)
	require.Empty(t, g.Breaker().Snapshot())
}

func TestKeyString(t *testing.T) {
	require.Equal(t, "finalize_abc", NewKey("finalize", "abc").String())
	require.Equal(t, "fetch_campaigns_global", NewKey("fetch_campaigns", "").String())
}
