package specialist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// maxDiagnosticLen bounds how much of a malformed reply is echoed back in
// contract violation errors.
const maxDiagnosticLen = 120

// ParseOutput decodes and validates a raw specialist reply against the
// Output contract. The reply must be a JSON object whose only keys are
// payload (object, required), facts (string-valued object) and flags
// (bool-valued object). Any other shape is a contract violation carrying an
// expected-vs-received diagnostic.
func ParseOutput(raw []byte) (*Output, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: expected a JSON object with payload/facts/flags, received empty reply",
			ErrContractViolation)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var out Output
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: expected a JSON object with payload/facts/flags, received %s (%v)",
			ErrContractViolation, summarize(raw), err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after output object, received %s",
			ErrContractViolation, summarize(raw))
	}

	if out.Payload == nil {
		return nil, fmt.Errorf("%w: missing required payload object, received %s",
			ErrContractViolation, summarize(raw))
	}
	return &out, nil
}

// summarize returns a bounded, printable excerpt of a raw reply.
func summarize(raw []byte) string {
	s := string(bytes.TrimSpace(raw))
	if !utf8.ValidString(s) {
		return fmt.Sprintf("%d bytes of non-UTF-8 data", len(raw))
	}
	if len(s) > maxDiagnosticLen {
		s = s[:maxDiagnosticLen] + "..."
	}
	return fmt.Sprintf("%q", s)
}
