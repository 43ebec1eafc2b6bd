// Package audit keeps the ordered per-session event trail: every phase and
// session transition, dispatch, gate outcome, recommendation batch and error
// cause. Errors are appended before the transition they cause, so the trail
// always explains the state that follows it. The trail is the only record
// that outlives a session.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/pattern"
)

// ErrUnknownSession indicates no trail exists for the session id.
var ErrUnknownSession = errors.New("unknown session")

// DefaultExportLimit caps an Export page when the caller passes no limit.
const DefaultExportLimit = 100

// EventType classifies trail entries.
type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventSessionTransition EventType = "session_transition"
	EventPhaseTransition   EventType = "phase_transition"
	EventDispatch          EventType = "dispatch"
	EventGateEvaluated     EventType = "gate_evaluated"
	EventRecommendations   EventType = "recommendations"
	EventError             EventType = "error"
)

// Event is one entry in a session's trail. Seq is assigned on append and is
// strictly increasing per session, which makes Export restartable.
type Event struct {
	Seq             uint64                   `json:"seq"`
	SessionID       string                   `json:"session_id"`
	Type            EventType                `json:"type"`
	Template        string                   `json:"template,omitempty"`
	Phase           string                   `json:"phase,omitempty"`
	From            string                   `json:"from,omitempty"`
	To              string                   `json:"to,omitempty"`
	Retry           int                      `json:"retry,omitempty"`
	Specialist      string                   `json:"specialist,omitempty"`
	CorrelationID   string                   `json:"correlation_id,omitempty"`
	Cause           string                   `json:"cause,omitempty"`
	Score           float64                  `json:"score,omitempty"`
	FailedCriteria  []string                 `json:"failed_criteria,omitempty"`
	Recommendations []pattern.Recommendation `json:"recommendations,omitempty"`
	At              time.Time                `json:"at"`
}

// Log stores the trails of all sessions the daemon has seen.
type Log struct {
	mu     sync.RWMutex
	trails map[string][]Event
	seq    map[string]uint64

	publisher Publisher
	log       *logging.Logger
	now       func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithPublisher mirrors every appended event to an external stream. Publish
// failures are logged and never block the trail.
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.publisher = p }
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(log *logging.Logger) Option {
	return func(l *Log) { l.log = log }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates an empty audit log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		trails: make(map[string][]Event),
		seq:    make(map[string]uint64),
		log:    logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stamps the event with the session's next sequence number and the
// current time, stores it, and mirrors it to the publisher if one is set.
// The stamped event is returned.
func (l *Log) Append(sessionID string, event Event) Event {
	l.mu.Lock()
	l.seq[sessionID]++
	event.Seq = l.seq[sessionID]
	event.SessionID = sessionID
	event.At = l.now()
	l.trails[sessionID] = append(l.trails[sessionID], event)
	l.mu.Unlock()

	// Publish outside the lock; the stream is advisory.
	if l.publisher != nil {
		if err := l.publisher.Publish(event); err != nil {
			l.log.Warn(context.Background(), "audit publish failed",
				zap.String("session_id", sessionID),
				zap.Uint64("seq", event.Seq),
				zap.Error(err))
		}
	}
	return event
}

// Export returns up to limit events with Seq > afterSeq, in order. Passing
// afterSeq of the last event seen resumes the sequence, so paging survives
// restarts of the consumer. A non-positive limit uses DefaultExportLimit.
func (l *Log) Export(sessionID string, afterSeq uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultExportLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	trail, ok := l.trails[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}

	out := make([]Event, 0, limit)
	for _, ev := range trail {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of events in a session's trail.
func (l *Log) Len(sessionID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trails[sessionID])
}

// events returns a copy of the full trail for archival.
func (l *Log) events(sessionID string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	trail, ok := l.trails[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	out := make([]Event, len(trail))
	copy(out, trail)
	return out, nil
}
