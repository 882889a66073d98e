package breaker

import (
	"sort"
	"sync"
)

// Set owns one Breaker per downstream, created on first use. Breakers never
// share a lock, so a busy downstream cannot slow another one down.
type Set struct {
	policy    Policy
	clock     Clock
	onChange  ChangeFunc
	overrides map[string]Policy

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// SetOption customizes a Set.
type SetOption func(*Set)

// WithClock replaces the wall clock.
func WithClock(c Clock) SetOption { return func(s *Set) { s.clock = c } }

// WithOverride sets a policy for one downstream.
func WithOverride(downstream string, p Policy) SetOption {
	return func(s *Set) { s.overrides[downstream] = p }
}

// OnStateChange registers an observer for every breaker in the set.
func OnStateChange(fn ChangeFunc) SetOption { return func(s *Set) { s.onChange = fn } }

// NewSet creates an empty set using policy for downstreams without override.
func NewSet(policy Policy, opts ...SetOption) *Set {
	s := &Set{
		policy:    policy.normalized(),
		clock:     SystemClock,
		overrides: map[string]Policy{},
		breakers:  map[string]*Breaker{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the breaker for downstream, creating it closed if needed.
func (s *Set) Get(downstream string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[downstream]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[downstream]; ok {
		return b
	}
	p := s.policy
	if o, has := s.overrides[downstream]; has {
		p = o
	}
	b = New(downstream, p, s.clock)
	b.onChange = s.onChange
	s.breakers[downstream] = b
	return b
}

// Snapshot returns all known breakers sorted by downstream name.
func (s *Set) Snapshot() []Snapshot {
	s.mu.RLock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.RUnlock()
	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Downstream < out[j].Downstream })
	return out
}
