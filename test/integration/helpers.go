package integration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/engine"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/registry"
	"github.com/fyrsmithlabs/flowd/pkg/specialist"
)

// startNATS starts an embedded NATS server and returns a client connection.
func startNATS(t *testing.T) *nats.Conn {
	t.Helper()

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // Random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// passingFacts maps built-in template phases to the facts a gate-passing
// reply declares.
var passingFacts = map[string]map[string]string{
	"Plan":             {"architecture": "layered service behind a NATS dispatch plane"},
	"Implement":        {"implementation.summary": "implemented per plan"},
	"SecurityCheck":    {"security.report": "no findings"},
	"PerformanceCheck": {"performance.report": "p99 within budget"},
	"Review":           {"review.verdict": "approved"},
}

// responder is an in-test specialist worker. It answers every dispatch with a
// gate-passing output unless a failure has been injected for the phase, and
// records the last task received per phase so tests can inspect the context
// slice the engine assembled.
type responder struct {
	name  string
	delay time.Duration

	mu            sync.Mutex
	failRemaining map[string]int
	tasks         map[string]specialist.Task
}

// newResponder subscribes a responder for every capability under the given
// specialist name.
func newResponder(t *testing.T, nc *nats.Conn, name string, capabilities ...string) *responder {
	t.Helper()

	r := &responder{
		name:          name,
		failRemaining: make(map[string]int),
		tasks:         make(map[string]specialist.Task),
	}
	for _, capability := range capabilities {
		sub, err := nc.Subscribe(specialist.Subject(capability, name), r.handle)
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Unsubscribe() })
	}
	return r
}

// failNext makes the next n dispatches for phase get a gate-failing reply.
func (r *responder) failNext(phase string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failRemaining[phase] = n
}

// lastTask returns the most recent task received for phase.
func (r *responder) lastTask(phase string) (specialist.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[phase]
	return task, ok
}

func (r *responder) handle(msg *nats.Msg) {
	var task specialist.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		return
	}

	r.mu.Lock()
	r.tasks[task.Phase] = task
	fail := r.failRemaining[task.Phase] > 0
	if fail {
		r.failRemaining[task.Phase]--
	}
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	var out specialist.Output
	if fail {
		// Empty payload, no flags, and a critical finding: trips every
		// built-in criterion. Failed attempts never persist facts, so the
		// finding does not leak into later gate snapshots.
		out = specialist.Output{
			Payload: map[string]any{},
			Facts:   map[string]string{"finding.critical.injected": "deliberate test failure"},
		}
	} else {
		facts := passingFacts[task.Phase]
		if facts == nil {
			facts = map[string]string{task.Phase + ".result": "done"}
		}
		out = specialist.Output{
			Payload: map[string]any{"summary": task.Phase + " done by " + r.name},
			Facts:   facts,
			Flags:   map[string]bool{"typed_output": true},
		}
	}

	data, _ := json.Marshal(out)
	_ = msg.Respond(data)
}

// testSpecialists is the registry every integration engine runs with.
func testSpecialists() []registry.Specialist {
	return []registry.Specialist{
		{Name: "architect-1", Capabilities: []string{"planning"}, Weight: 1.0},
		{Name: "coder-1", Capabilities: []string{"implementation", "code-review"}, Weight: 0.9},
		{Name: "auditor-1", Capabilities: []string{"security-review", "performance-review"}, Weight: 0.8},
	}
}

// newTestEngine builds an engine dispatching over the given connection and
// shuts it down at test cleanup.
func newTestEngine(t *testing.T, nc *nats.Conn, cfg engine.Config) *engine.Engine {
	t.Helper()

	reg, err := registry.New(testSpecialists())
	require.NoError(t, err)

	invoker, err := specialist.NewNATSInvoker(nc)
	require.NoError(t, err)

	eng, err := engine.New(cfg, reg, invoker, engine.WithLogger(logging.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

// awaitTerminal polls until the session reaches a terminal state.
func awaitTerminal(t *testing.T, eng *engine.Engine, id string) *engine.Status {
	t.Helper()

	var st *engine.Status
	require.Eventually(t, func() bool {
		got, err := eng.GetStatus(id)
		if err != nil {
			return false
		}
		st = got
		return st.State.IsTerminal()
	}, 15*time.Second, 10*time.Millisecond, "session %s never reached a terminal state", id)
	return st
}

func phaseByName(t *testing.T, st *engine.Status, name string) engine.Phase {
	t.Helper()
	for _, ph := range st.Phases {
		if ph.Name == name {
			return ph
		}
	}
	t.Fatalf("phase %s not in status", name)
	return engine.Phase{}
}

func contextKeys(task specialist.Task) map[string]specialist.ContextItem {
	byKey := make(map[string]specialist.ContextItem, len(task.ContextSlice))
	for _, item := range task.ContextSlice {
		byKey[item.Key] = item
	}
	return byKey
}
