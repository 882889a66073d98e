package breaker

import (
	"errors"
	"fmt"
	"time"
)

// State is the circuit state of one downstream.
type State int32

const (
	// StateClosed lets every request through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects requests until the cool-down has elapsed.
	StateOpen
	// StateHalfOpen lets exactly one trial request through.
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

// Policy controls when a breaker opens and how long it stays open.
type Policy struct {
	Threshold int           `json:"threshold" mapstructure:"threshold"`
	Cooldown  time.Duration `json:"cooldown" mapstructure:"cooldown"`
}

// DefaultPolicy opens after five consecutive failures for thirty seconds.
func DefaultPolicy() Policy {
	return Policy{Threshold: 5, Cooldown: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	return p
}

// Clock abstracts time so cool-downs can be tested without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// ErrOpen is matched by every rejection from an open or probing breaker.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned when a request is rejected without contacting the
// downstream.
type OpenError struct {
	Downstream string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: circuit breaker is %s, retry after %s", e.Downstream, e.State, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Snapshot is a point-in-time copy of a breaker.
type Snapshot struct {
	Downstream  string    `json:"downstream"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Threshold   int       `json:"threshold"`
	Cooldown    string    `json:"cooldown"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	TrialActive bool      `json:"trial_active"`
}
