package engine

import "errors"

var (
	// ErrUnknownTemplate indicates a submit referenced a template id outside
	// the built-in plan set.
	ErrUnknownTemplate = errors.New("unknown plan template")

	// ErrUnknownSession indicates the session id is not known to this engine.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNoCapability indicates no registered specialist covers a capability a
	// plan phase requires. This is a configuration gap, never retried.
	ErrNoCapability = errors.New("no specialist registered for capability")

	// ErrCancelled indicates the caller cancelled the session while a phase
	// was in flight.
	ErrCancelled = errors.New("session cancelled")

	// ErrSessionTerminal indicates a mutation was attempted on a session that
	// already reached a terminal state.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrEngineClosed indicates the engine is shutting down and no longer
	// accepts submissions.
	ErrEngineClosed = errors.New("engine is shut down")
)
