// Package http provides the HTTP API for flowd.
package http

import (
	"github.com/fyrsmithlabs/flowd/internal/audit"
	"github.com/fyrsmithlabs/flowd/internal/engine"
)

// SubmitRequest is the request body for POST /v1/sessions.
type SubmitRequest struct {
	Template string         `json:"template"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// SubmitResponse is the response body for POST /v1/sessions.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
}

// CancelResponse is the response body for POST /v1/sessions/:id/cancel.
type CancelResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// AuditResponse is one page of a session's audit trail. NextSeq is the cursor
// for the following page; when the page is empty it echoes the request's
// after_seq, so a poller can resend it unchanged.
type AuditResponse struct {
	SessionID string        `json:"session_id"`
	Events    []audit.Event `json:"events"`
	NextSeq   uint64        `json:"next_seq"`
}

// TemplatesResponse is the response body for GET /v1/templates.
type TemplatesResponse struct {
	Templates []engine.TemplateView `json:"templates"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
