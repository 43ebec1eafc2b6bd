package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/flowd/internal/audit"
	"github.com/fyrsmithlabs/flowd/internal/contextstore"
	"github.com/fyrsmithlabs/flowd/internal/gate"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/pattern"
	"github.com/fyrsmithlabs/flowd/internal/registry"
	"github.com/fyrsmithlabs/flowd/pkg/specialist"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/flowd/internal/engine"

// Config holds engine policy. Zero values fall back to the documented
// defaults; MaxRetries zero genuinely means no retries.
type Config struct {
	// SpecialistTimeout bounds one dispatch; non-response consumes a retry.
	// Default 30s.
	SpecialistTimeout time.Duration

	// MaxRetries is the per-phase retry budget beyond the first attempt.
	MaxRetries int

	// DispatchRate and DispatchBurst limit specialist invocations per second
	// engine-wide. Defaults 10 rps, burst 20.
	DispatchRate  float64
	DispatchBurst int

	// QuickBudget and FullBudget size each session's context store in
	// semantic units. Defaults 500 and 2000.
	QuickBudget int
	FullBudget  int

	// MaxRecommendations and MinConfidence tune the pattern engine.
	// Defaults 5 and 0.3.
	MaxRecommendations int
	MinConfidence      float64

	// ArchiveDir, when set, receives one JSON audit archive per session on
	// terminal status.
	ArchiveDir string
}

func (c *Config) applyDefaults() {
	if c.SpecialistTimeout <= 0 {
		c.SpecialistTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DispatchRate <= 0 {
		c.DispatchRate = 10
	}
	if c.DispatchBurst < 1 {
		c.DispatchBurst = 20
	}
	if c.QuickBudget <= 0 {
		c.QuickBudget = 500
	}
	if c.FullBudget <= c.QuickBudget {
		c.FullBudget = 4 * c.QuickBudget
	}
	if c.MaxRecommendations < 1 {
		c.MaxRecommendations = pattern.DefaultLimit
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = pattern.DefaultConfidenceFloor
	}
}

// session is the engine-private state of one workflow run. The runner
// goroutine is the only writer; GetStatus readers take the session lock.
type session struct {
	mu sync.RWMutex

	id              string
	template        Template
	status          SessionStatus
	blockedReason   string
	phases          []*Phase
	stages          [][]*Phase
	recommendations []pattern.Recommendation
	createdAt       time.Time
	completedAt     *time.Time

	payload map[string]any
	store   *contextstore.Store
	cancel  context.CancelFunc
}

// Engine owns all sessions of one daemon instance. The registry and the plan
// templates are immutable after construction and shared without locking; each
// session gets an isolated context store.
type Engine struct {
	cfg       Config
	registry  *registry.Registry
	invoker   specialist.Invoker
	templates map[string]Template

	audit    *audit.Log
	gates    *gate.Evaluator
	analyzer *pattern.Analyzer
	scanner  contextstore.SensitivityScanner
	limiter  *rate.Limiter
	metrics  *Metrics
	tracer   trace.Tracer
	log      *logging.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(log *logging.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithAuditLog sets the audit log sessions append to. Defaults to a fresh
// in-memory log; pass one wired to a publisher to stream events outward.
func WithAuditLog(l *audit.Log) Option {
	return func(e *Engine) { e.audit = l }
}

// WithScanner installs a sensitivity scanner on every session store.
func WithScanner(scanner contextstore.SensitivityScanner) Option {
	return func(e *Engine) { e.scanner = scanner }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine around an immutable registry and a specialist
// transport. The built-in plan templates are validated here so a malformed
// plan fails the daemon at startup, not a session at runtime.
func New(cfg Config, reg *registry.Registry, invoker specialist.Invoker, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("specialist invoker is required")
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:       cfg,
		registry:  reg,
		invoker:   invoker,
		templates: builtinTemplates(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst),
		metrics:   NewMetrics(),
		tracer:    otel.Tracer(InstrumentationName),
		log:       logging.NewNop(),
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.audit == nil {
		e.audit = audit.NewLog(audit.WithLogger(e.log))
	}
	e.gates = gate.NewEvaluator(gate.WithLogger(e.log))
	e.analyzer = pattern.NewAnalyzer(
		pattern.WithConfidenceFloor(cfg.MinConfidence),
		pattern.WithLimit(cfg.MaxRecommendations),
	)

	if err := validateTemplates(e.templates); err != nil {
		return nil, fmt.Errorf("invalid plan templates: %w", err)
	}
	return e, nil
}

// Audit returns the engine's audit log, for export surfaces.
func (e *Engine) Audit() *audit.Log {
	return e.audit
}

// Submit creates a session from a plan template and starts executing it on
// its own goroutine. The payload is handed to every specialist unchanged;
// its entries additionally seed the session's quick context tier so the
// first phase starts with the caller's context.
//
// Fails with ErrUnknownTemplate for an id outside the plan set and with
// ErrNoCapability when the registry covers none of a phase's capability.
// Both are configuration errors the caller must fix before resubmitting.
func (e *Engine) Submit(templateID string, payload map[string]any) (string, error) {
	tpl, ok := e.templates[templateID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, templateID)
	}
	for _, stage := range tpl.Stages {
		for _, spec := range stage {
			if len(e.registry.Resolve(spec.Capability)) == 0 {
				return "", fmt.Errorf("%w: %q (phase %s)", ErrNoCapability, spec.Capability, spec.Name)
			}
		}
	}

	store, err := contextstore.New(e.cfg.QuickBudget, e.cfg.FullBudget,
		contextstore.WithScanner(e.scanner),
		contextstore.WithLogger(e.log),
	)
	if err != nil {
		return "", fmt.Errorf("creating session store: %w", err)
	}
	if err := seedPayload(store, payload); err != nil {
		return "", err
	}
	e.metrics.RecordDemotions(store.Demotions())

	s := e.newSession(tpl, payload, store)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", ErrEngineClosed
	}
	e.sessions[s.id] = s
	e.wg.Add(1)
	e.mu.Unlock()

	e.audit.Append(s.id, audit.Event{
		Type:     audit.EventSessionCreated,
		Template: tpl.ID,
		To:       string(SessionPlanning),
	})
	e.metrics.RecordSessionStarted()
	e.log.Info(ctx, "session submitted",
		zap.String("session_id", s.id),
		zap.String("template", tpl.ID))

	go e.run(ctx, s)
	return s.id, nil
}

// newSession instantiates runtime phase state from a template.
func (e *Engine) newSession(tpl Template, payload map[string]any, store *contextstore.Store) *session {
	s := &session{
		id:        uuid.NewString(),
		template:  tpl,
		status:    SessionPlanning,
		createdAt: e.now(),
		payload:   payload,
		store:     store,
	}
	for _, stage := range tpl.Stages {
		group := make([]*Phase, 0, len(stage))
		for _, spec := range stage {
			ph := &Phase{
				Name:       spec.Name,
				Capability: spec.Capability,
				Status:     PhasePending,
				MaxRetries: e.cfg.MaxRetries,
				spec:       spec,
			}
			group = append(group, ph)
			s.phases = append(s.phases, ph)
		}
		s.stages = append(s.stages, group)
	}
	return s
}

// seedPayload writes the string form of each payload entry into the quick
// tier with origin "submit", in key order so record sequence is stable.
func seedPayload(store *contextstore.Store, payload map[string]any) error {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, err := store.Put(key, stringify(payload[key]), contextstore.TierQuick, false,
			contextstore.WithOrigin("submit")); err != nil {
			return fmt.Errorf("seeding payload key %q: %w", key, err)
		}
	}
	return nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// GetStatus returns the session's current state. It is read-only and
// idempotent: repeated calls without an intervening mutation return values
// that marshal to identical bytes.
func (e *Engine) GetStatus(sessionID string) (*Status, error) {
	s, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Status{
		SessionID:     s.id,
		Template:      s.template.ID,
		State:         s.status,
		CurrentPhase:  s.currentPhaseLocked(),
		BlockedReason: s.blockedReason,
		Phases:        make([]Phase, 0, len(s.phases)),
		CreatedAt:     s.createdAt,
	}
	for _, ph := range s.phases {
		st.Phases = append(st.Phases, *ph)
	}
	if len(s.recommendations) > 0 {
		st.Recommendations = append([]pattern.Recommendation(nil), s.recommendations...)
	}
	if s.completedAt != nil {
		t := *s.completedAt
		st.CompletedAt = &t
	}
	return st, nil
}

// currentPhaseLocked names the phase the session is on: the first in-flight
// phase, else the first still pending or mid-retry. Terminal sessions have
// none.
func (s *session) currentPhaseLocked() string {
	if s.status.IsTerminal() {
		return ""
	}
	for _, ph := range s.phases {
		if ph.Status == PhaseInProgress {
			return ph.Name
		}
	}
	for _, ph := range s.phases {
		if ph.Status == PhasePending || ph.Status == PhaseFailed {
			return ph.Name
		}
	}
	return ""
}

// Cancel requests cooperative cancellation. The session observes it at its
// next suspension point: the in-flight phase fails with a cancelled reason
// and the session blocks. Cancelling a terminal session is an error.
func (e *Engine) Cancel(sessionID string) error {
	s, err := e.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.RLock()
	terminal := s.status.IsTerminal()
	s.mu.RUnlock()
	if terminal {
		return fmt.Errorf("%w: %s", ErrSessionTerminal, sessionID)
	}

	e.log.Info(context.Background(), "session cancellation requested",
		zap.String("session_id", sessionID))
	s.cancel()
	return nil
}

func (e *Engine) lookup(sessionID string) (*session, error) {
	e.mu.RLock()
	s := e.sessions[sessionID]
	e.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s, nil
}

// Shutdown stops accepting submissions, cancels every running session and
// waits for their runners to finish or for ctx to expire. Cancelled sessions
// block with a cancelled reason; they are not resumable.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	cancels := make([]context.CancelFunc, 0, len(e.sessions))
	for _, s := range e.sessions {
		cancels = append(cancels, s.cancel)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}
