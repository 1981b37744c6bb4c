package resilience

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is refused without being attempted.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// GlobalScope keys operations that are not tied to a campaign.
const GlobalScope = "global"

// State is the circuit state of one key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Key identifies a failure-state entry.
type Key struct {
	Operation string
	Scope     string
}

// NewKey keys op by campaign, falling back to the global scope.
func NewKey(op, campaign string) Key {
	if campaign == "" {
		campaign = GlobalScope
	}
	return Key{Operation: op, Scope: campaign}
}

func (k Key) String() string { return k.Operation + "_" + k.Scope }

// FailureState is the breaker bookkeeping for a key.
type FailureState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

// BreakerPolicy configures when a key opens and how long it stays open.
type BreakerPolicy struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultBreakerPolicy mirrors the keeper's production settings.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{FailureThreshold: 5, RecoveryTimeout: time.Minute}
}

type breakerEntry struct {
	failures      int
	state         State
	lastFailureAt time.Time
}

// Breaker is the failure-state table shared by every guarded action.
type Breaker struct {
	mu      sync.Mutex
	policy  BreakerPolicy
	now     func() time.Time
	entries map[Key]*breakerEntry
}

// NewBreaker builds an empty table. now defaults to time.Now.
func NewBreaker(policy BreakerPolicy, now func() time.Time) *Breaker {
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{policy: policy, now: now, entries: make(map[Key]*breakerEntry)}
}

// Policy returns the configured policy.
func (b *Breaker) Policy() BreakerPolicy { return b.policy }

// Allow decides whether a call for key may proceed. trial is true when the
// call is the single half-open probe after the recovery timeout.
func (b *Breaker) Allow(key Key) (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	switch entry.state {
	case StateOpen:
		if b.now().Sub(entry.lastFailureAt) < b.policy.RecoveryTimeout {
			return false, ErrCircuitOpen
		}
		entry.state = StateHalfOpen
		return true, nil
	case StateHalfOpen:
		// A trial is already running.
		return false, ErrCircuitOpen
	default:
		return false, nil
	}
}

// Success closes the circuit and clears the failure count.
func (b *Breaker) Success(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// Failure records a counted failure and reports the new state. opened is true
// when this failure moved the key into the open state.
func (b *Breaker) Failure(key Key) (FailureState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.entry(key)
	entry.failures++
	entry.lastFailureAt = b.now()
	opened := false
	switch entry.state {
	case StateHalfOpen:
		entry.state = StateOpen
		opened = true
	case StateClosed:
		if entry.failures >= b.policy.FailureThreshold {
			entry.state = StateOpen
			opened = true
		}
	}
	return entry.snapshot(), opened
}

// Release ends a half-open trial whose outcome says nothing about the health
// of the remote, such as a domain rejection. The key returns to open with its
// original failure time so the next call may probe again.
func (b *Breaker) Release(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok || entry.state != StateHalfOpen {
		return
	}
	entry.state = StateOpen
}

// State returns the current bookkeeping for key.
func (b *Breaker) State(key Key) FailureState {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return (&breakerEntry{}).snapshot()
	}
	return entry.snapshot()
}

// KeyedState pairs a key with its state for reporting.
type KeyedState struct {
	Key string `json:"key"`
	FailureState
}

// Snapshot lists every key with recorded failures, sorted by key.
func (b *Breaker) Snapshot() []KeyedState {
	b.mu.Lock()
	out := make([]KeyedState, 0, len(b.entries))
	for key, entry := range b.entries {
		out = append(out, KeyedState{Key: key.String(), FailureState: entry.snapshot()})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// OpenCount reports how many keys are currently open or half-open.
func (b *Breaker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, entry := range b.entries {
		if entry.state != StateClosed {
			n++
		}
	}
	return n
}

func (b *Breaker) entry(key Key) *breakerEntry {
	entry, ok := b.entries[key]
	if !ok {
		entry = &breakerEntry{}
		b.entries[key] = entry
	}
	return entry
}

func (e *breakerEntry) snapshot() FailureState {
	return FailureState{
		ConsecutiveFailures: e.failures,
		State:               e.state,
		StateName:           e.state.String(),
		LastFailureAt:       e.lastFailureAt,
	}
}
