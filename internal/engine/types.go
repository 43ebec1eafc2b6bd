// Package engine runs workflow sessions through their phase plans: it
// resolves capabilities, dispatches phase tasks to specialists, evaluates
// quality gates over the replies, persists declared facts into the session's
// context store and regenerates pattern recommendations after every phase
// transition. Sessions execute asynchronously; the engine is the only writer
// of session state.
package engine

import (
	"time"

	"github.com/fyrsmithlabs/flowd/internal/pattern"
)

// PhaseStatus represents the lifecycle state of a phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhasePassed     PhaseStatus = "passed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// ValidPhaseTransitions defines allowed phase state transitions. failed may
// re-enter in_progress while the retry budget lasts; whether it is final is
// retry policy, not a property of the state itself.
var ValidPhaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhasePending:    {PhaseInProgress, PhaseSkipped},
	PhaseInProgress: {PhasePassed, PhaseFailed},
	PhaseFailed:     {PhaseInProgress},
	PhasePassed:     {}, // terminal
	PhaseSkipped:    {}, // terminal
}

// CanTransitionTo checks if a transition from current status to target is valid.
func (s PhaseStatus) CanTransitionTo(target PhaseStatus) bool {
	allowed, ok := ValidPhaseTransitions[s]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionPlanning  SessionStatus = "planning"
	SessionRunning   SessionStatus = "running"
	SessionBlocked   SessionStatus = "blocked"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ValidSessionTransitions defines allowed session state transitions. blocked
// is terminal: a blocked session is resubmitted as a new one, never resumed.
// failed marks an internal engine fault, not a policy outcome.
var ValidSessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPlanning:  {SessionRunning},
	SessionRunning:   {SessionCompleted, SessionBlocked, SessionFailed},
	SessionBlocked:   {}, // terminal
	SessionCompleted: {}, // terminal
	SessionFailed:    {}, // terminal
}

// CanTransitionTo checks if a transition from current status to target is valid.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	allowed, ok := ValidSessionTransitions[s]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionBlocked || s == SessionCompleted || s == SessionFailed
}

// Phase is the runtime state of one quality gate in a session's plan.
// Retries counts consumed retries; Reason explains the last failure.
type Phase struct {
	Name       string      `json:"name"`
	Capability string      `json:"capability"`
	Status     PhaseStatus `json:"status"`
	Retries    int         `json:"retries"`
	MaxRetries int         `json:"max_retries"`
	Reason     string      `json:"reason,omitempty"`

	spec PhaseSpec
}

// Status is the read-only view of a session returned by GetStatus. Repeated
// calls without an intervening mutation marshal to identical bytes.
type Status struct {
	SessionID       string                   `json:"session_id"`
	Template        string                   `json:"template"`
	State           SessionStatus            `json:"state"`
	CurrentPhase    string                   `json:"current_phase,omitempty"`
	BlockedReason   string                   `json:"blocked_reason,omitempty"`
	Phases          []Phase                  `json:"phases"`
	Recommendations []pattern.Recommendation `json:"recommendations,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
}
