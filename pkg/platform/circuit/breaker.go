// Package circuit provides a lock-free circuit breaker shared by concurrent
// workers.
//
// The breaker moves Closed -> Open after FailureThreshold consecutive failures,
// Open -> HalfOpen once the cool-down has elapsed (admitting exactly one trial
// call at a time), and HalfOpen -> Closed after SuccessThreshold successful
// trials. A failed trial reopens the circuit with a fresh cool-down.
//
// All state lives in one immutable snapshot swapped with compare-and-swap, so
// workers observing failures at the same time never lose an update.
package circuit

import (
	"sync/atomic"
	"time"
)

// State is the breaker position.
type State int32

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

// StateChange describes a transition produced by a Record call. The zero value
// means the state did not change.
type StateChange struct {
	From       State
	To         State
	Opened     bool
	HalfOpened bool
	Closed     bool
}

// Changed reports whether a transition happened.
func (c StateChange) Changed() bool { return c.From != c.To }

type snapshot struct {
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	now              func() time.Time
	onChange         func(name string, change StateChange)

	snap atomic.Pointer[snapshot]
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures that open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the successful trials needed to close the circuit.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithCooldown sets how long the circuit stays open before a trial call.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithOnStateChange registers a callback fired after every transition.
func WithOnStateChange(fn func(name string, change StateChange)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a closed breaker. Defaults: 5 failures, 1 success, 30s cool-down.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 1,
		cooldown:         30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.snap.Store(&snapshot{state: StateClosed})
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the stored state. An open circuit whose cool-down elapsed still
// reports StateOpen until a caller is admitted through Allow.
func (b *Breaker) State() State { return b.snap.Load().state }

// IsOpen reports whether the circuit is not closed.
func (b *Breaker) IsOpen() bool { return b.State() != StateClosed }

// RetryAfter returns how long until an open circuit admits a trial call.
func (b *Breaker) RetryAfter() time.Duration {
	s := b.snap.Load()
	if s.state != StateOpen {
		return 0
	}
	return max(s.openedAt.Add(b.cooldown).Sub(b.now()), 0)
}

// TrialInFlight reports whether a half-open trial call is outstanding.
func (b *Breaker) TrialInFlight() bool {
	s := b.snap.Load()
	return s.state == StateHalfOpen && s.probing
}

// Allow reports whether the caller may call the protected dependency. In the
// half-open state exactly one caller is admitted until its result is recorded.
func (b *Breaker) Allow() bool {
	for {
		cur := b.snap.Load()
		switch cur.state {
		case StateClosed:
			return true
		case StateHalfOpen:
			if cur.probing {
				return false
			}
			next := *cur
			next.probing = true
			if b.snap.CompareAndSwap(cur, &next) {
				return true
			}
		case StateOpen:
			if b.now().Before(cur.openedAt.Add(b.cooldown)) {
				return false
			}
			next := snapshot{state: StateHalfOpen, probing: true}
			if b.snap.CompareAndSwap(cur, &next) {
				b.notify(StateChange{From: StateOpen, To: StateHalfOpen, HalfOpened: true})
				return true
			}
		}
	}
}

// RecordFailure records a failed call. useFallback is true when the circuit is
// (now) not closed.
func (b *Breaker) RecordFailure() (useFallback bool, change StateChange) {
	for {
		cur := b.snap.Load()
		next := *cur
		change = StateChange{From: cur.state, To: cur.state}

		switch cur.state {
		case StateClosed:
			next.failures++
			if next.failures >= b.failureThreshold {
				next = snapshot{state: StateOpen, failures: next.failures, openedAt: b.now()}
				change = StateChange{From: StateClosed, To: StateOpen, Opened: true}
			}
		case StateHalfOpen:
			next = snapshot{state: StateOpen, failures: cur.failures + 1, openedAt: b.now()}
			change = StateChange{From: StateHalfOpen, To: StateOpen, Opened: true}
		case StateOpen:
			next.failures++
			next.successes = 0
		}

		if b.snap.CompareAndSwap(cur, &next) {
			b.notify(change)
			return next.state != StateClosed, change
		}
	}
}

// RecordSuccess records a successful call. usePrimary is true when the circuit
// is (now) closed. Successes recorded while open, or while half-open without an
// admitted trial, are ignored.
func (b *Breaker) RecordSuccess() (usePrimary bool, change StateChange) {
	for {
		cur := b.snap.Load()
		next := *cur
		change = StateChange{From: cur.state, To: cur.state}

		switch cur.state {
		case StateClosed:
			if cur.failures == 0 {
				return true, change
			}
			next.failures = 0
		case StateOpen:
			// A call admitted before the circuit opened; only trials close it.
			return false, change
		case StateHalfOpen:
			if !cur.probing {
				return false, change
			}
			next.successes++
			next.probing = false
			if next.successes >= b.successThreshold {
				next = snapshot{state: StateClosed}
				change = StateChange{From: cur.state, To: StateClosed, Closed: true}
			}
		}

		if b.snap.CompareAndSwap(cur, &next) {
			b.notify(change)
			return next.state == StateClosed, change
		}
	}
}

// RecordSuccessIfClosed clears the failure count of a closed circuit. Callers
// that were not admitted as the half-open trial use it so a slow call that
// started before the circuit opened cannot count as a trial.
func (b *Breaker) RecordSuccessIfClosed() {
	for {
		cur := b.snap.Load()
		if cur.state != StateClosed || cur.failures == 0 {
			return
		}
		next := *cur
		next.failures = 0
		if b.snap.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// Release gives back a half-open trial slot without recording an outcome, for
// callers that were admitted but never reached the dependency.
func (b *Breaker) Release() {
	for {
		cur := b.snap.Load()
		if cur.state != StateHalfOpen || !cur.probing {
			return
		}
		next := *cur
		next.probing = false
		if b.snap.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	prev := b.snap.Swap(&snapshot{state: StateClosed})
	b.notify(StateChange{From: prev.state, To: StateClosed, Closed: prev.state != StateClosed})
}

func (b *Breaker) notify(change StateChange) {
	if b.onChange != nil && change.Changed() {
		b.onChange(b.name, change)
	}
}
