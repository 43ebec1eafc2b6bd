package audit

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher mirrors appended events to an external stream.
type Publisher interface {
	Publish(event Event) error
}

// NATSPublisher publishes events as JSON on <prefix>.<sessionID>, the one
// outward channel sessions have besides the HTTP surface.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an established NATS connection. prefix defaults to
// "flowd.audit" when empty.
func NewNATSPublisher(conn *nats.Conn, prefix string) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = "flowd.audit"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Publish sends one event.
func (p *NATSPublisher) Publish(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", p.prefix, event.SessionID)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing audit event on %s: %w", subject, err)
	}
	return nil
}
