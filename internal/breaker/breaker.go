// Package breaker implements a per-downstream circuit breaker.
//
// A Breaker is Closed until Threshold consecutive failures are recorded, then
// Open for Cooldown. The first request after the cool-down moves it to
// HalfOpen and becomes the only trial; its outcome closes the breaker or
// reopens it with a fresh cool-down. The Open to HalfOpen move happens lazily
// inside Allow, so no timers are involved.
package breaker

import (
	"sync"
	"time"
)

// ChangeFunc observes state transitions. It is called without the breaker
// lock held.
type ChangeFunc func(downstream string, from, to State)

// Breaker guards one downstream. All fields are protected by mu.
type Breaker struct {
	name     string
	policy   Policy
	clock    Clock
	onChange ChangeFunc

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trial       bool
}

// New returns a closed breaker for the named downstream.
func New(name string, policy Policy, clock Clock) *Breaker {
	if clock == nil {
		clock = SystemClock
	}
	return &Breaker{name: name, policy: policy.normalized(), clock: clock}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Policy() Policy { return b.policy }

// State returns the stored state. An Open breaker whose cool-down has elapsed
// still reports Open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow decides whether a request may reach the downstream. When it returns a
// nil error the caller must report the outcome with Record, or call Release
// if the request ended without a verdict. trial is true for the single
// HalfOpen probe.
func (b *Breaker) Allow() (trial bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil
	case StateOpen:
		now := b.clock.Now()
		readyAt := b.openedAt.Add(b.policy.Cooldown)
		if now.Before(readyAt) {
			b.mu.Unlock()
			return false, &OpenError{Downstream: b.name, State: StateOpen, RetryAfter: readyAt.Sub(now)}
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.trial = true
		trial = true
	case StateHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return false, &OpenError{Downstream: b.name, State: StateHalfOpen, RetryAfter: time.Second}
		}
		b.trial = true
		trial = true
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, StateHalfOpen)
	}
	return trial, nil
}

// Record reports the outcome of an allowed request. Outcomes of non-trial
// requests only count while the breaker is Closed; a straggler finishing after
// the breaker opened does not change the state.
func (b *Breaker) Record(trial, success bool) {
	b.mu.Lock()
	from := b.state
	if trial {
		b.trial = false
		if b.state == StateHalfOpen {
			if success {
				b.reset()
			} else {
				b.failures++
				b.lastFailure = b.clock.Now()
				b.open()
			}
		}
	} else if b.state == StateClosed {
		if success {
			b.failures = 0
		} else {
			b.failures++
			b.lastFailure = b.clock.Now()
			if b.failures >= b.policy.Threshold {
				b.open()
			}
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// Release gives back a trial slot without an outcome, e.g. when the caller
// went away before the downstream answered.
func (b *Breaker) Release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trial = false
	}
	b.mu.Unlock()
}

// Snapshot returns a copy of the breaker's fields.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Downstream:  b.name,
		State:       b.state.String(),
		Failures:    b.failures,
		Threshold:   b.policy.Threshold,
		Cooldown:    b.policy.Cooldown.String(),
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
		TrialActive: b.trial,
	}
}

// open must be called with mu held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
}

// reset returns the breaker to its initial closed state. mu must be held.
func (b *Breaker) reset() {
	b.state = StateClosed
	b.failures = 0
	b.lastFailure = time.Time{}
	b.openedAt = time.Time{}
	b.trial = false
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
