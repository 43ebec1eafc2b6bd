package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/registry"
	"github.com/fyrsmithlabs/flowd/pkg/specialist"
)

// scriptedReply is one canned specialist response.
type scriptedReply struct {
	output *specialist.Output
	err    error
	delay  time.Duration
}

// scriptedInvoker replays canned replies per phase and records every task it
// receives. The last reply of a phase's script repeats once the queue drains.
type scriptedInvoker struct {
	mu      sync.Mutex
	scripts map[string][]scriptedReply
	tasks   []specialist.Task
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{scripts: make(map[string][]scriptedReply)}
}

func (f *scriptedInvoker) reply(phase string, replies ...scriptedReply) {
	f.scripts[phase] = append(f.scripts[phase], replies...)
}

func (f *scriptedInvoker) Invoke(ctx context.Context, task specialist.Task) (*specialist.Output, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	queue := f.scripts[task.Phase]
	var r scriptedReply
	switch len(queue) {
	case 0:
		r = scriptedReply{err: fmt.Errorf("no scripted reply for phase %s", task.Phase)}
	case 1:
		r = queue[0]
	default:
		r = queue[0]
		f.scripts[task.Phase] = queue[1:]
	}
	f.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.delay):
		}
	}
	return r.output, r.err
}

func (f *scriptedInvoker) tasksFor(phase string) []specialist.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []specialist.Task
	for _, task := range f.tasks {
		if task.Phase == phase {
			out = append(out, task)
		}
	}
	return out
}

// passing builds a reply that satisfies every built-in criterion of the named
// built-in phases: non-empty payload, typed_output set, no critical findings.
func passing(facts map[string]string) scriptedReply {
	return scriptedReply{output: &specialist.Output{
		Payload: map[string]any{"summary": "done"},
		Facts:   facts,
		Flags:   map[string]bool{"typed_output": true},
	}}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Specialist{
		{Name: "planner-1", Capabilities: []string{"planning"}, Weight: 1.0},
		{Name: "coder-1", Capabilities: []string{"implementation"}, Weight: 2.0},
		{Name: "coder-2", Capabilities: []string{"implementation"}, Weight: 1.0},
		{Name: "sec-1", Capabilities: []string{"security-review"}, Weight: 1.0},
		{Name: "perf-1", Capabilities: []string{"performance-review"}, Weight: 1.0},
		{Name: "reviewer-1", Capabilities: []string{"code-review"}, Weight: 1.0},
	})
	require.NoError(t, err)
	return reg
}

func testConfig() Config {
	return Config{
		SpecialistTimeout: 2 * time.Second,
		MaxRetries:        1,
		DispatchRate:      1000,
		DispatchBurst:     100,
		QuickBudget:       500,
		FullBudget:        2000,
	}
}

func newTestEngine(t *testing.T, inv specialist.Invoker, opts ...Option) *Engine {
	t.Helper()
	return newTestEngineCfg(t, testConfig(), inv, opts...)
}

func newTestEngineCfg(t *testing.T, cfg Config, inv specialist.Invoker, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, testRegistry(t), inv, opts...)
	require.NoError(t, err)
	return e
}

func waitTerminal(t *testing.T, e *Engine, id string) *Status {
	t.Helper()
	var st *Status
	require.Eventually(t, func() bool {
		got, err := e.GetStatus(id)
		if err != nil {
			return false
		}
		st = got
		return st.State.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond, "session %s never reached a terminal state", id)
	return st
}

func phaseByName(t *testing.T, st *Status, name string) Phase {
	t.Helper()
	for _, ph := range st.Phases {
		if ph.Name == name {
			return ph
		}
	}
	t.Fatalf("phase %s not in status", name)
	return Phase{}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(testConfig(), nil, newScriptedInvoker())
	require.Error(t, err)

	_, err = New(testConfig(), testRegistry(t), nil)
	require.Error(t, err)
}

func TestSubmit_UnknownTemplate(t *testing.T) {
	e := newTestEngine(t, newScriptedInvoker())

	_, err := e.Submit("no-such-plan", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestSubmit_RejectsUncoveredCapability(t *testing.T) {
	// A registry without a code reviewer cannot run any built-in plan.
	reg, err := registry.New([]registry.Specialist{
		{Name: "planner-1", Capabilities: []string{"planning"}, Weight: 1.0},
		{Name: "coder-1", Capabilities: []string{"implementation"}, Weight: 1.0},
	})
	require.NoError(t, err)
	e, err := New(testConfig(), reg, newScriptedInvoker())
	require.NoError(t, err)

	_, err = e.Submit(TemplateFeature, nil)
	assert.ErrorIs(t, err, ErrNoCapability)
	assert.Contains(t, err.Error(), "code-review")
}

func TestGetStatus_UnknownSession(t *testing.T) {
	e := newTestEngine(t, newScriptedInvoker())

	_, err := e.GetStatus("ghost")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestCancel_UnknownSession(t *testing.T) {
	e := newTestEngine(t, newScriptedInvoker())

	err := e.Cancel("ghost")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestGetStatus_RepeatedCallsByteIdentical(t *testing.T) {
	inv := newScriptedInvoker()
	inv.reply("Implement", passing(map[string]string{"implementation.summary": "patched"}))
	inv.reply("Review", passing(map[string]string{"review.verdict": "approved"}))
	e := newTestEngine(t, inv)

	id, err := e.Submit(TemplateHotfix, map[string]any{"ticket": "FLOW-17"})
	require.NoError(t, err)
	waitTerminal(t, e, id)

	first, err := e.GetStatus(id)
	require.NoError(t, err)
	second, err := e.GetStatus(id)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTemplates_ListsClosedPlanSet(t *testing.T) {
	e := newTestEngine(t, newScriptedInvoker())

	views := e.Templates()
	require.Len(t, views, 3)
	assert.Equal(t, TemplateFeature, views[0].ID)
	assert.Equal(t, TemplateFeatureChecked, views[1].ID)
	assert.Equal(t, TemplateHotfix, views[2].ID)

	checked := views[1]
	require.Len(t, checked.Stages, 4)
	assert.Equal(t, []string{"SecurityCheck", "PerformanceCheck"}, checked.Stages[2])
}

func TestShutdown_CancelsRunningSessions(t *testing.T) {
	inv := newScriptedInvoker()
	inv.reply("Implement", scriptedReply{delay: 30 * time.Second})
	cfg := testConfig()
	cfg.SpecialistTimeout = time.Minute
	e := newTestEngineCfg(t, cfg, inv)

	id, err := e.Submit(TemplateHotfix, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := e.GetStatus(id)
		return err == nil && st.State == SessionRunning
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	st, err := e.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, SessionBlocked, st.State)
	assert.Contains(t, st.BlockedReason, "cancelled")

	_, err = e.Submit(TemplateHotfix, nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
}
