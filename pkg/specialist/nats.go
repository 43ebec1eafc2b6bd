package specialist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Subject returns the NATS dispatch subject for a capability and specialist
// identity. Specialists subscribe here; the engine publishes requests.
func Subject(capability, name string) string {
	return fmt.Sprintf("specialist.%s.%s", capability, name)
}

// NATSInvoker dispatches tasks over NATS request/reply. Each Invoke is a
// single request on Subject(task.Capability, task.Specialist); the reply
// payload is parsed against the Output contract.
type NATSInvoker struct {
	conn *nats.Conn
}

// NewNATSInvoker wraps an established NATS connection.
func NewNATSInvoker(conn *nats.Conn) (*NATSInvoker, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	return &NATSInvoker{conn: conn}, nil
}

// Invoke sends the task and waits for the specialist's reply until the
// context deadline. A missing responder or an expired deadline maps to
// ErrTimeout; a malformed reply maps to ErrContractViolation.
func (i *NATSInvoker) Invoke(ctx context.Context, task Task) (*Output, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	subject := Subject(task.Capability, task.Specialist)
	msg, err := i.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return nil, fmt.Errorf("%w: no responders on %s", ErrTimeout, subject)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			return nil, fmt.Errorf("%w: no reply from %s on %s", ErrTimeout, task.Specialist, subject)
		}
		return nil, fmt.Errorf("requesting specialist on %s: %w", subject, err)
	}

	return ParseOutput(msg.Data)
}
