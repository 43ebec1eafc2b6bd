package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/audit"
	"github.com/fyrsmithlabs/flowd/internal/engine"
)

// TestE2E_CheckedFeatureWorkflow validates a complete checked feature run
// over a real NATS broker:
// 1. Plan produces the architecture decision
// 2. Implement fails its gate twice and passes on the third attempt
// 3. SecurityCheck and PerformanceCheck fan out in parallel
// 4. Review closes the session
// 5. The audit trail accounts for every dispatch, failure, and transition
func TestE2E_CheckedFeatureWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	nc := startNATS(t)

	architect := newResponder(t, nc, "architect-1", "planning")
	coder := newResponder(t, nc, "coder-1", "implementation", "code-review")
	auditor := newResponder(t, nc, "auditor-1", "security-review", "performance-review")

	coder.failNext("Implement", 2)

	eng := newTestEngine(t, nc, engine.Config{
		SpecialistTimeout: 5 * time.Second,
		MaxRetries:        2,
	})

	// ═══════════════════════════════════════════════════════════════
	// Phase 1: Submit and run to completion
	// ═══════════════════════════════════════════════════════════════

	id, err := eng.Submit("feature-checked", map[string]any{
		"goal": "add rate limiting to the public API",
		"repo": "github.com/example/api",
	})
	require.NoError(t, err)

	st := awaitTerminal(t, eng, id)
	require.Equal(t, engine.SessionCompleted, st.State)
	require.NotNil(t, st.CompletedAt)
	require.Len(t, st.Phases, 5)
	for _, ph := range st.Phases {
		assert.Equal(t, engine.PhasePassed, ph.Status, "phase %s", ph.Name)
	}
	t.Logf("✅ Phase 1: Session completed with all 5 phases passed")

	// ═══════════════════════════════════════════════════════════════
	// Phase 2: Retry budget was consumed and surfaced
	// ═══════════════════════════════════════════════════════════════

	impl := phaseByName(t, st, "Implement")
	assert.Equal(t, 2, impl.Retries, "two injected failures consume two retries")

	found := false
	for _, rec := range st.Recommendations {
		if rec.Capability == "escalation" {
			found = true
			assert.InDelta(t, 0.6, rec.Confidence, 1e-9)
		}
	}
	assert.True(t, found, "repeated gate failures should recommend escalation")
	t.Logf("✅ Phase 2: Implement retried twice and escalation was recommended")

	// ═══════════════════════════════════════════════════════════════
	// Phase 3: Context flowed across phases and specialists
	// ═══════════════════════════════════════════════════════════════

	planTask, ok := architect.lastTask("Plan")
	require.True(t, ok)
	planKeys := contextKeys(planTask)
	assert.Contains(t, planKeys, "goal")
	assert.Equal(t, "submit", planKeys["goal"].Origin)
	assert.NotContains(t, planKeys, "architecture", "Plan runs before any facts exist")

	secTask, ok := auditor.lastTask("SecurityCheck")
	require.True(t, ok)
	secKeys := contextKeys(secTask)
	require.Contains(t, secKeys, "architecture")
	assert.Equal(t, "full", secKeys["architecture"].Tier)
	assert.Equal(t, "Plan", secKeys["architecture"].Origin)
	require.Contains(t, secKeys, "implementation.summary")
	assert.Equal(t, "Implement", secKeys["implementation.summary"].Origin)
	assert.Equal(t, "add rate limiting to the public API", secTask.Payload["goal"])

	perfTask, ok := auditor.lastTask("PerformanceCheck")
	require.True(t, ok, "parallel sibling must have been dispatched")
	assert.Contains(t, contextKeys(perfTask), "implementation.summary")

	reviewTask, ok := coder.lastTask("Review")
	require.True(t, ok)
	assert.Contains(t, contextKeys(reviewTask), "architecture")
	t.Logf("✅ Phase 3: Facts reached downstream specialists with origin intact")

	// ═══════════════════════════════════════════════════════════════
	// Phase 4: Audit trail accounts for the whole run
	// ═══════════════════════════════════════════════════════════════

	events, err := eng.Audit().Export(id, 0, 200)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, audit.EventSessionCreated, events[0].Type)

	byType := make(map[audit.EventType]int)
	var lastTransition audit.Event
	for _, ev := range events {
		byType[ev.Type]++
		if ev.Type == audit.EventSessionTransition {
			lastTransition = ev
		}
	}
	assert.Equal(t, 7, byType[audit.EventDispatch], "1 Plan + 3 Implement + 1 Security + 1 Performance + 1 Review")
	assert.Equal(t, 7, byType[audit.EventGateEvaluated])
	assert.Equal(t, 2, byType[audit.EventError], "one error per injected gate failure")
	assert.GreaterOrEqual(t, byType[audit.EventRecommendations], 1)
	assert.Equal(t, string(engine.SessionCompleted), lastTransition.To)
	t.Logf("✅ Phase 4: Audit trail complete with %d events", len(events))

	t.Logf("✅ E2E Workflow Complete: Plan → Implement (2 retries) → Security+Performance → Review")
}

// TestE2E_HotfixFastPath validates the two-phase hotfix plan skips planning
// and the checks entirely.
func TestE2E_HotfixFastPath(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	nc := startNATS(t)

	architect := newResponder(t, nc, "architect-1", "planning")
	newResponder(t, nc, "coder-1", "implementation", "code-review")
	newResponder(t, nc, "auditor-1", "security-review", "performance-review")

	eng := newTestEngine(t, nc, engine.Config{SpecialistTimeout: 5 * time.Second})

	id, err := eng.Submit("hotfix", map[string]any{"goal": "patch CVE-2026-1234"})
	require.NoError(t, err)

	st := awaitTerminal(t, eng, id)
	require.Equal(t, engine.SessionCompleted, st.State)
	require.Len(t, st.Phases, 2)
	assert.Equal(t, "Implement", st.Phases[0].Name)
	assert.Equal(t, "Review", st.Phases[1].Name)

	_, planned := architect.lastTask("Plan")
	assert.False(t, planned, "hotfix must not dispatch a planning specialist")

	events, err := eng.Audit().Export(id, 0, 100)
	require.NoError(t, err)
	dispatches := 0
	for _, ev := range events {
		if ev.Type == audit.EventDispatch {
			dispatches++
		}
	}
	assert.Equal(t, 2, dispatches)
}

// TestE2E_RetryBudgetExhausted_Blocks validates that a phase failing beyond
// its retry budget blocks the session and leaves downstream phases untouched.
func TestE2E_RetryBudgetExhausted_Blocks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	nc := startNATS(t)

	newResponder(t, nc, "architect-1", "planning")
	coder := newResponder(t, nc, "coder-1", "implementation", "code-review")
	newResponder(t, nc, "auditor-1", "security-review", "performance-review")

	coder.failNext("Implement", 3)

	eng := newTestEngine(t, nc, engine.Config{
		SpecialistTimeout: 5 * time.Second,
		MaxRetries:        1,
	})

	id, err := eng.Submit("feature", map[string]any{"goal": "doomed change"})
	require.NoError(t, err)

	st := awaitTerminal(t, eng, id)
	require.Equal(t, engine.SessionBlocked, st.State)
	assert.Contains(t, st.BlockedReason, "phase Implement")
	assert.Contains(t, st.BlockedReason, "gate criteria unmet")
	assert.Contains(t, st.BlockedReason, "after 2 attempts")

	assert.Equal(t, engine.PhasePassed, phaseByName(t, st, "Plan").Status)
	impl := phaseByName(t, st, "Implement")
	assert.Equal(t, engine.PhaseFailed, impl.Status)
	assert.Equal(t, 1, impl.Retries)
	assert.Equal(t, engine.PhasePending, phaseByName(t, st, "Review").Status)
	assert.Empty(t, st.Recommendations, "analysis does not run on the blocked join")

	// Blocked is terminal: no resume, no cancel.
	err = eng.Cancel(id)
	assert.ErrorIs(t, err, engine.ErrSessionTerminal)

	events, err := eng.Audit().Export(id, 0, 100)
	require.NoError(t, err)
	var lastTransition audit.Event
	for _, ev := range events {
		if ev.Type == audit.EventSessionTransition {
			lastTransition = ev
		}
	}
	assert.Equal(t, string(engine.SessionBlocked), lastTransition.To)
}

// TestE2E_CancelInFlight validates cancelling a session while a specialist
// holds a dispatch.
func TestE2E_CancelInFlight(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	nc := startNATS(t)

	newResponder(t, nc, "architect-1", "planning")
	coder := newResponder(t, nc, "coder-1", "implementation", "code-review")
	coder.delay = 1500 * time.Millisecond
	newResponder(t, nc, "auditor-1", "security-review", "performance-review")

	eng := newTestEngine(t, nc, engine.Config{SpecialistTimeout: 10 * time.Second})

	id, err := eng.Submit("hotfix", map[string]any{"goal": "slow change"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := eng.GetStatus(id)
		if err != nil {
			return false
		}
		for _, ph := range st.Phases {
			if ph.Name == "Implement" {
				return ph.Status == engine.PhaseInProgress
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "Implement never started")

	require.NoError(t, eng.Cancel(id))

	st := awaitTerminal(t, eng, id)
	require.Equal(t, engine.SessionBlocked, st.State)
	assert.Contains(t, st.BlockedReason, "cancelled")

	impl := phaseByName(t, st, "Implement")
	assert.Equal(t, engine.PhaseFailed, impl.Status)
	assert.Equal(t, "cancelled", impl.Reason)
	assert.Equal(t, engine.PhasePending, phaseByName(t, st, "Review").Status)

	err = eng.Cancel(id)
	assert.ErrorIs(t, err, engine.ErrSessionTerminal)
}
