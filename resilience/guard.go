package resilience

import (
	"context"
	"errors"

	"campaignkeeper/faults"
)

// Observer is told about breaker transitions. Implementations must not block.
type Observer interface {
	// CircuitOpened fires when key moves into the open state.
	CircuitOpened(key Key, state FailureState, cause error)
	// CallRejected fires when a call is refused by an open circuit.
	CallRejected(key Key)
}

type nopObserver struct{}

func (nopObserver) CircuitOpened(Key, FailureState, error) {}
func (nopObserver) CallRejected(Key)                       {}

// Guard runs an operation through the breaker and, while the breaker is
// closed, through the retrier. The breaker counts one failure per guarded
// call after retries are exhausted, and only for transient failures.
type Guard struct {
	retrier  *Retrier
	breaker  *Breaker
	observer Observer
}

// NewGuard combines a retrier and a breaker. observer may be nil.
func NewGuard(retrier *Retrier, breaker *Breaker, observer Observer) *Guard {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Guard{retrier: retrier, breaker: breaker, observer: observer}
}

// Breaker exposes the failure-state table.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do executes fn under key. A half-open trial is attempted exactly once.
// Calls refused by an open circuit return an error wrapping ErrCircuitOpen.
func (g *Guard) Do(ctx context.Context, key Key, fn func(context.Context) error) error {
	trial, err := g.breaker.Allow(key)
	if err != nil {
		g.observer.CallRejected(key)
		return &faults.Error{Class: faults.ClassTransient, Op: key.Operation, Code: "circuit_open", Err: err}
	}
	if trial {
		err = fn(ctx)
	} else {
		err = g.retrier.Do(ctx, fn)
	}
	if err == nil {
		g.breaker.Success(key)
		return nil
	}
	if !counts(err) {
		g.breaker.Release(key)
		return err
	}
	state, opened := g.breaker.Failure(key)
	if opened {
		g.observer.CircuitOpened(key, state, err)
	}
	return err
}

// counts reports whether err reflects on the remote's availability.
func counts(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return faults.ClassOf(err) == faults.ClassTransient
}
