package specialist

import "errors"

var (
	// ErrContractViolation indicates a specialist reply that does not match
	// the Output shape. Fatal: the engine blocks the session without retry.
	ErrContractViolation = errors.New("specialist contract violation")

	// ErrTimeout indicates the specialist did not reply within the bounded
	// wait. The engine treats it as a gate failure and consumes a retry.
	ErrTimeout = errors.New("specialist timeout")
)
