package process

import "time"

// Phase is the lifecycle phase of a running service.
// Phases only move forward: Starting -> Running -> Stopping -> Stopped,
// or from any non-terminal phase directly to Failed.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseStopping
	PhaseStopped
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == PhaseStopped || p == PhaseFailed }

// CanTransition reports whether moving from p to next keeps the phase order.
func (p Phase) CanTransition(next Phase) bool {
	if p.Terminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	return next > p && next <= PhaseStopped
}

// Status is a point-in-time copy of a handle's state.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   string    `json:"exit_error,omitempty"`
}
