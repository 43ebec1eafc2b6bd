package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/audit"
	"github.com/fyrsmithlabs/flowd/internal/contextstore"
	"github.com/fyrsmithlabs/flowd/internal/gate"
	"github.com/fyrsmithlabs/flowd/internal/pattern"
	"github.com/fyrsmithlabs/flowd/internal/registry"
	"github.com/fyrsmithlabs/flowd/pkg/specialist"
)

// phaseOutcome is the terminal result of one phase's attempt loop.
type phaseOutcome struct {
	passed    bool
	cancelled bool
	output    *specialist.Output
	failures  int
	reason    string
}

// run executes a session's plan stage by stage until it completes or goes
// terminal. It is the session's single runner goroutine.
func (e *Engine) run(ctx context.Context, s *session) {
	defer e.wg.Done()
	defer s.cancel()

	e.transitionSession(ctx, s, SessionRunning, "")

	for _, stage := range s.stages {
		if !e.runStage(ctx, s, stage) {
			break
		}
	}

	s.mu.RLock()
	running := s.status == SessionRunning
	s.mu.RUnlock()
	if running {
		e.transitionSession(ctx, s, SessionCompleted, "")
	}

	e.finish(ctx, s)
}

// runStage executes one stage: a single phase, or a sibling group fanned out
// on one goroutine per phase. It returns false once the session is terminal.
func (e *Engine) runStage(ctx context.Context, s *session, stage []*Phase) bool {
	select {
	case <-ctx.Done():
		cause := ErrCancelled.Error()
		e.audit.Append(s.id, audit.Event{Type: audit.EventError, Cause: cause})
		e.transitionSession(ctx, s, SessionBlocked, cause)
		return false
	default:
	}

	// Resolve every sibling before dispatching anything: a capability gap is
	// a configuration bug and must not consume specialist work.
	ranked := make([][]registry.Specialist, len(stage))
	for i, ph := range stage {
		specialists := e.registry.Resolve(ph.Capability)
		if len(specialists) == 0 {
			cause := fmt.Sprintf("no specialist registered for capability %q (phase %s)", ph.Capability, ph.Name)
			e.audit.Append(s.id, audit.Event{Type: audit.EventError, Phase: ph.Name, Cause: cause})
			e.transitionSession(ctx, s, SessionBlocked, cause)
			return false
		}
		ranked[i] = specialists
	}

	// Inputs are fixed at fan-out so every sibling reads the same store
	// state; facts and failure markers are written back only at the join.
	gateSnap, err := s.store.Snapshot(contextstore.TierFull)
	if err != nil {
		return e.failSession(ctx, s, fmt.Sprintf("context snapshot failed: %v", err))
	}
	slices := make([][]specialist.ContextItem, len(stage))
	for i, ph := range stage {
		slice, err := e.buildContext(s, ph)
		if err != nil {
			return e.failSession(ctx, s, fmt.Sprintf("building context slice for phase %s: %v", ph.Name, err))
		}
		slices[i] = slice
	}

	outcomes := make([]phaseOutcome, len(stage))
	if len(stage) == 1 {
		outcomes[0] = e.runPhase(ctx, s, stage[0], ranked[0], slices[0], gateSnap)
	} else {
		var wg sync.WaitGroup
		for i := range stage {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = e.runPhase(ctx, s, stage[i], ranked[i], slices[i], gateSnap)
			}(i)
		}
		wg.Wait()
	}

	return e.joinStage(ctx, s, stage, outcomes)
}

// joinStage persists what the stage produced and decides whether the session
// advances. All siblings must have passed; the first offender in template
// order names the blocked reason, with cancellation taking precedence.
func (e *Engine) joinStage(ctx context.Context, s *session, stage []*Phase, outcomes []phaseOutcome) bool {
	for i, ph := range stage {
		out := outcomes[i]
		if out.passed {
			if err := e.writeFacts(s, ph, out.output); err != nil {
				return e.failSession(ctx, s, err.Error())
			}
		}
		if out.failures > 0 {
			e.writeFailureMarker(ctx, s, ph, out.failures)
		}
	}

	var cause string
	for i, ph := range stage {
		if outcomes[i].cancelled {
			cause = fmt.Sprintf("session cancelled while phase %s was in flight", ph.Name)
			break
		}
		if !outcomes[i].passed && cause == "" {
			cause = fmt.Sprintf("phase %s: %s", ph.Name, outcomes[i].reason)
		}
	}
	if cause != "" {
		e.transitionSession(ctx, s, SessionBlocked, cause)
		return false
	}

	e.analyze(ctx, s)
	return true
}

// runPhase drives one phase's attempt loop. Failed gates and non-responses
// consume the retry budget and rotate to the next-ranked specialist; contract
// violations and cancellation end the loop immediately.
func (e *Engine) runPhase(ctx context.Context, s *session, ph *Phase, ranked []registry.Specialist, slice []specialist.ContextItem, gateSnap []contextstore.Record) phaseOutcome {
	e.setPhaseStatus(ctx, s, ph, PhaseInProgress, "")

	failures := 0
	for attempt := 0; ; attempt++ {
		sp := ranked[attempt%len(ranked)]
		corrID := uuid.NewString()

		e.audit.Append(s.id, audit.Event{
			Type:          audit.EventDispatch,
			Phase:         ph.Name,
			Retry:         attempt,
			Specialist:    sp.Name,
			CorrelationID: corrID,
		})

		output, res, err := e.attempt(ctx, s, ph, sp, corrID, attempt, slice, gateSnap)

		if err == nil && res.Passed {
			e.setPhaseStatus(ctx, s, ph, PhasePassed, "")
			return phaseOutcome{passed: true, output: output, failures: failures}
		}

		if err != nil && ctx.Err() != nil {
			cause := fmt.Sprintf("cancelled while awaiting specialist %s", sp.Name)
			e.audit.Append(s.id, audit.Event{
				Type: audit.EventError, Phase: ph.Name, Retry: attempt,
				Specialist: sp.Name, CorrelationID: corrID, Cause: cause,
			})
			e.setPhaseStatus(ctx, s, ph, PhaseFailed, "cancelled")
			return phaseOutcome{cancelled: true, failures: failures, reason: "cancelled"}
		}

		if errors.Is(err, specialist.ErrContractViolation) {
			e.metrics.RecordContractViolation()
			cause := fmt.Sprintf("specialist %s broke the output contract: %v", sp.Name, err)
			e.audit.Append(s.id, audit.Event{
				Type: audit.EventError, Phase: ph.Name, Retry: attempt,
				Specialist: sp.Name, CorrelationID: corrID, Cause: cause,
			})
			e.setPhaseStatus(ctx, s, ph, PhaseFailed, cause)
			return phaseOutcome{failures: failures, reason: cause}
		}

		// Non-response and failed criteria are the same thing to the retry
		// policy: one consumed attempt.
		failures++
		var cause string
		if err != nil {
			if errors.Is(err, specialist.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				e.metrics.RecordTimeout()
			}
			cause = fmt.Sprintf("specialist %s: %v", sp.Name, err)
		} else {
			cause = fmt.Sprintf("gate criteria unmet: %s", strings.Join(res.FailedCriteria, ", "))
		}
		e.metrics.RecordGateFailure(ph.Name)
		e.audit.Append(s.id, audit.Event{
			Type: audit.EventError, Phase: ph.Name, Retry: attempt,
			Specialist: sp.Name, CorrelationID: corrID, Cause: cause,
		})

		if attempt >= ph.MaxRetries {
			reason := fmt.Sprintf("%s (after %d attempts)", cause, attempt+1)
			e.setPhaseStatus(ctx, s, ph, PhaseFailed, reason)
			return phaseOutcome{failures: failures, reason: reason}
		}

		e.setPhaseStatus(ctx, s, ph, PhaseFailed, cause)
		e.setPhaseStatus(ctx, s, ph, PhaseInProgress, "")
	}
}

// attempt performs one dispatch and, on a reply, one gate evaluation. Each
// attempt is a span; the returned error is the dispatch error, unclassified.
func (e *Engine) attempt(ctx context.Context, s *session, ph *Phase, sp registry.Specialist, corrID string, attemptNo int, slice []specialist.ContextItem, gateSnap []contextstore.Record) (*specialist.Output, gate.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.phase_attempt",
		trace.WithAttributes(
			attribute.String("flowd.session_id", s.id),
			attribute.String("flowd.phase", ph.Name),
			attribute.String("flowd.specialist", sp.Name),
			attribute.String("flowd.correlation_id", corrID),
			attribute.Int("flowd.attempt", attemptNo),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		e.metrics.RecordPhaseAttempt(ph.Name, time.Since(start).Seconds())
	}()

	output, err := e.dispatch(ctx, s, ph, sp, corrID, slice)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return nil, gate.Result{}, err
	}

	res := e.gates.Evaluate(ph.Name, ph.spec.Criteria, output, gateSnap)
	e.audit.Append(s.id, audit.Event{
		Type:           audit.EventGateEvaluated,
		Phase:          ph.Name,
		Retry:          attemptNo,
		Specialist:     sp.Name,
		CorrelationID:  corrID,
		Score:          res.Score,
		FailedCriteria: res.FailedCriteria,
	})
	if res.Passed {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "gate criteria unmet")
	}
	return output, res, nil
}

// dispatch is the engine's only suspension point: it waits for the rate
// limiter, then invokes the specialist under the per-attempt timeout.
func (e *Engine) dispatch(ctx context.Context, s *session, ph *Phase, sp registry.Specialist, corrID string, slice []specialist.ContextItem) (*specialist.Output, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("dispatch rate limit: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SpecialistTimeout)
	defer cancel()

	task := specialist.Task{
		SessionID:     s.id,
		Phase:         ph.Name,
		Capability:    ph.Capability,
		Specialist:    sp.Name,
		CorrelationID: corrID,
		Payload:       s.payload,
		ContextSlice:  slice,
	}
	return e.invoker.Invoke(ctx, task)
}

// buildContext assembles the slice handed to a specialist: the quick tier as
// the store exposes it plus the phase's requested full-tier keys. Sensitive
// values are masked in both parts; requested keys the plan never produced
// are skipped.
func (e *Engine) buildContext(s *session, ph *Phase) ([]specialist.ContextItem, error) {
	quick, err := s.store.Snapshot(contextstore.TierQuick)
	if err != nil {
		return nil, err
	}

	items := make([]specialist.ContextItem, 0, len(quick)+len(ph.spec.FullKeys))
	seen := make(map[string]bool, len(quick))
	for _, rec := range quick {
		items = append(items, contextItem(rec, rec.Value))
		seen[rec.Key] = true
	}
	for _, key := range ph.spec.FullKeys {
		if seen[key] {
			continue
		}
		rec, err := s.store.GetRecord(key, contextstore.TierFull)
		if errors.Is(err, contextstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		value := rec.Value
		if rec.Sensitive {
			value = contextstore.Redacted
		}
		items = append(items, contextItem(rec, value))
	}
	return items, nil
}

func contextItem(rec contextstore.Record, value string) specialist.ContextItem {
	return specialist.ContextItem{
		Key:       rec.Key,
		Value:     value,
		Tier:      string(rec.Tier),
		Origin:    rec.Origin,
		Sensitive: rec.Sensitive,
	}
}

// writeFacts persists a passed phase's declared facts at the full tier, in
// key order so record sequence is stable. Promotion to quick only ever
// happens through a pattern recommendation, never here.
func (e *Engine) writeFacts(s *session, ph *Phase, output *specialist.Output) error {
	if output == nil || len(output.Facts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(output.Facts))
	for key := range output.Facts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, err := s.store.Put(key, output.Facts[key], contextstore.TierFull, false,
			contextstore.WithOrigin(ph.Name)); err != nil {
			return fmt.Errorf("persisting fact %q from phase %s: %w", key, ph.Name, err)
		}
	}
	return nil
}

// writeFailureMarker records the phase's consumed failures under the key the
// pattern engine watches.
func (e *Engine) writeFailureMarker(ctx context.Context, s *session, ph *Phase, failures int) {
	key := pattern.GateFailureKeyPrefix + ph.Name
	if _, err := s.store.Put(key, strconv.Itoa(failures), contextstore.TierFull, false,
		contextstore.WithOrigin(ph.Name)); err != nil {
		e.log.Warn(ctx, "failed to record gate failure marker",
			zap.String("session_id", s.id),
			zap.String("phase", ph.Name),
			zap.Error(err))
	}
}

// analyze regenerates recommendations from the session's current context and
// attaches them to the audit trail. Advisory only: failures are logged and
// never block the session.
func (e *Engine) analyze(ctx context.Context, s *session) {
	records, err := s.store.Snapshot(contextstore.TierFull)
	if err != nil {
		e.log.Warn(ctx, "pattern analysis skipped",
			zap.String("session_id", s.id), zap.Error(err))
		return
	}
	snap := pattern.Snapshot{
		Records:      records,
		QuickUsed:    s.store.UnitsUsed(contextstore.TierQuick),
		QuickBudget:  e.cfg.QuickBudget,
		ArchivedKeys: s.store.Keys(contextstore.TierArchived),
	}
	recs := e.analyzer.Analyze(snap)

	s.mu.Lock()
	s.recommendations = recs
	s.mu.Unlock()

	if len(recs) > 0 {
		e.audit.Append(s.id, audit.Event{Type: audit.EventRecommendations, Recommendations: recs})
		e.metrics.RecordRecommendations(len(recs))
	}
}

// transitionSession applies a session state change, records it, and stamps
// the terminal time. The blocked reason doubles as the failure reason for
// engine-fault terminations.
func (e *Engine) transitionSession(ctx context.Context, s *session, to SessionStatus, cause string) {
	s.mu.Lock()
	from := s.status
	if !from.CanTransitionTo(to) {
		s.mu.Unlock()
		e.log.Error(ctx, "invalid session transition",
			zap.String("session_id", s.id),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return
	}
	s.status = to
	if cause != "" && to.IsTerminal() {
		s.blockedReason = cause
	}
	if to.IsTerminal() {
		t := e.now()
		s.completedAt = &t
	}
	s.mu.Unlock()

	e.audit.Append(s.id, audit.Event{
		Type:  audit.EventSessionTransition,
		From:  string(from),
		To:    string(to),
		Cause: cause,
	})
	e.log.Info(ctx, "session state changed",
		zap.String("session_id", s.id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("cause", cause))
}

// setPhaseStatus applies a phase state change and records it. A failed to
// in_progress transition is a retry and consumes the budget.
func (e *Engine) setPhaseStatus(ctx context.Context, s *session, ph *Phase, to PhaseStatus, reason string) {
	s.mu.Lock()
	from := ph.Status
	if !from.CanTransitionTo(to) {
		s.mu.Unlock()
		e.log.Error(ctx, "invalid phase transition",
			zap.String("session_id", s.id),
			zap.String("phase", ph.Name),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return
	}
	ph.Status = to
	ph.Reason = reason
	if from == PhaseFailed && to == PhaseInProgress {
		ph.Retries++
	}
	retries := ph.Retries
	s.mu.Unlock()

	e.audit.Append(s.id, audit.Event{
		Type:  audit.EventPhaseTransition,
		Phase: ph.Name,
		From:  string(from),
		To:    string(to),
		Retry: retries,
		Cause: reason,
	})
}

// failSession terminates a session on an internal engine fault.
func (e *Engine) failSession(ctx context.Context, s *session, cause string) bool {
	e.audit.Append(s.id, audit.Event{Type: audit.EventError, Cause: cause})
	e.transitionSession(ctx, s, SessionFailed, cause)
	return false
}

// finish emits terminal metrics, archives the audit trail when configured,
// and releases the session's context records.
func (e *Engine) finish(ctx context.Context, s *session) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	e.metrics.RecordSessionTerminal(status)

	if e.cfg.ArchiveDir != "" {
		path, err := e.audit.Archive(s.id, e.cfg.ArchiveDir)
		if err != nil {
			e.log.Warn(ctx, "session archive failed",
				zap.String("session_id", s.id), zap.Error(err))
		} else {
			e.log.Info(ctx, "session archived",
				zap.String("session_id", s.id), zap.String("path", path))
		}
	}

	// Context records live only as long as their session.
	s.mu.Lock()
	s.store = nil
	s.mu.Unlock()

	e.log.Info(ctx, "session finished",
		zap.String("session_id", s.id),
		zap.String("state", string(status)))
}
