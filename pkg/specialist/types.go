// Package specialist defines the contract between the orchestration engine
// and specialist workers. A specialist is an opaque capability provider: the
// engine hands it a Task with a read-only context slice and expects an Output
// back. How the specialist produces the output is its own business; only the
// shape of the exchange is fixed here.
package specialist

import "context"

// ContextItem is one record of the context slice handed to a specialist.
// Sensitive values arrive masked; the key stays visible.
type ContextItem struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Tier      string `json:"tier"`
	Origin    string `json:"origin,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// Task is a single phase dispatch to a chosen specialist.
type Task struct {
	SessionID     string         `json:"session_id"`
	Phase         string         `json:"phase"`
	Capability    string         `json:"capability"`
	Specialist    string         `json:"specialist"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	ContextSlice  []ContextItem  `json:"context_slice,omitempty"`
}

// Output is a specialist's reply. Payload is the free-form success payload;
// Facts are key/value pairs the engine persists to the shared context; Flags
// are booleans gate criteria may reference.
type Output struct {
	Payload map[string]any    `json:"payload"`
	Facts   map[string]string `json:"facts,omitempty"`
	Flags   map[string]bool   `json:"flags,omitempty"`
}

// Invoker dispatches a task and awaits the specialist's output. The context
// carries the per-attempt deadline and implementations must respect it: the
// engine's only suspension point is this call.
type Invoker interface {
	Invoke(ctx context.Context, task Task) (*Output, error)
}
