// Package contextstore implements the tiered shared-context memory for a
// single workflow session. Records live in one of three tiers (quick, full,
// archived); the quick tier is budget-bounded and overflows by demoting the
// oldest records to full, never by dropping them.
package contextstore

import "errors"

var (
	// ErrInvalidKey indicates a malformed (empty) record key.
	ErrInvalidKey = errors.New("invalid context key")

	// ErrInvalidTier indicates an unknown tier value.
	ErrInvalidTier = errors.New("invalid tier")

	// ErrNotFound indicates no visible record exists for the key.
	ErrNotFound = errors.New("context record not found")
)
