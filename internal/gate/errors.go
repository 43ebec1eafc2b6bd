package gate

import "errors"

// ErrGateFailure indicates a phase's success criteria were not satisfied.
// Retried by the engine up to the phase's retry budget, then the session
// blocks.
var ErrGateFailure = errors.New("gate failure")
