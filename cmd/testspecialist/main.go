// Package main provides a simulated specialist worker for exercising flowd
// end to end.
//
// testspecialist subscribes to the NATS request/reply subjects flowd
// dispatches on and answers with gate-passing outputs for the built-in plan
// templates. Failure injection makes retry and blocking paths reproducible
// without writing a real worker.
//
// Usage:
//
//	# Serve every built-in capability as one worker
//	testspecialist
//
//	# One named worker covering two capabilities
//	testspecialist -name coder-1 -capabilities implementation,code-review
//
//	# Fail the first two Implement dispatches to exercise retries
//	testspecialist -fail-phase Implement -fail-count 2
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/flowd/pkg/specialist"
)

// defaultCapabilities covers every capability the built-in templates need.
var defaultCapabilities = []string{
	"planning",
	"implementation",
	"security-review",
	"performance-review",
	"code-review",
}

// phaseFacts maps built-in template phases to the facts a passing reply
// declares. Unknown phases get a generic result fact.
var phaseFacts = map[string]map[string]string{
	"Plan":             {"architecture": "layered service, NATS dispatch, in-memory context store"},
	"Implement":        {"implementation.summary": "implemented per the planned architecture"},
	"SecurityCheck":    {"security.report": "no findings"},
	"PerformanceCheck": {"performance.report": "p99 within budget"},
	"Review":           {"review.verdict": "approved"},
}

func main() {
	natsURL := flag.String("nats", "nats://localhost:4222", "NATS server URL")
	name := flag.String("name", "sim-1", "Specialist name (must match the registry entry)")
	capabilities := flag.String("capabilities", strings.Join(defaultCapabilities, ","), "Comma-separated capability tags to serve")
	failPhase := flag.String("fail-phase", "", "Phase name to fail (gate-failing reply)")
	failCount := flag.Int("fail-count", 1, "Number of dispatches to fail for -fail-phase")
	delay := flag.Duration("delay", 0, "Artificial delay before each reply")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	logLevel := zapcore.InfoLevel
	if *verbose {
		logLevel = zapcore.DebugLevel
	}
	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(logLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := config.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.String("url", *natsURL), zap.Error(err))
	}
	defer nc.Close()

	sim := &simulator{
		name:      *name,
		failPhase: *failPhase,
		failCount: *failCount,
		delay:     *delay,
		logger:    logger,
	}

	tags := strings.Split(*capabilities, ",")
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		subject := specialist.Subject(tag, *name)
		if _, err := nc.Subscribe(subject, sim.handle); err != nil {
			logger.Fatal("Failed to subscribe", zap.String("subject", subject), zap.Error(err))
		}
		logger.Info("Serving capability", zap.String("capability", tag), zap.String("subject", subject))
	}

	logger.Info("testspecialist ready",
		zap.String("name", *name),
		zap.String("nats", *natsURL),
		zap.String("fail_phase", *failPhase))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Draining subscriptions")
	if err := nc.Drain(); err != nil {
		logger.Warn("Drain failed", zap.Error(err))
	}
}

// simulator answers dispatches, optionally failing the first N requests for
// one phase.
type simulator struct {
	name      string
	failPhase string
	failCount int
	delay     time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	failed map[string]int
}

func (s *simulator) handle(msg *nats.Msg) {
	var task specialist.Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		s.logger.Warn("Ignoring malformed task", zap.Error(err))
		return
	}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	out := s.reply(task)
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("Failed to marshal output", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to respond", zap.String("phase", task.Phase), zap.Error(err))
		return
	}

	s.logger.Info("Replied",
		zap.String("session_id", task.SessionID),
		zap.String("phase", task.Phase),
		zap.String("correlation_id", task.CorrelationID),
		zap.Int("context_items", len(task.ContextSlice)),
		zap.Bool("injected_failure", len(out.Flags) == 0))
}

// reply builds a gate-passing output, or a gate-failing one while the phase's
// injected failure budget lasts. The failing shape trips every built-in
// criterion: empty payload, no typed_output flag, a critical finding fact,
// and no declared facts.
func (s *simulator) reply(task specialist.Task) *specialist.Output {
	if s.consumeFailure(task.Phase) {
		return &specialist.Output{
			Payload: map[string]any{},
			Facts:   map[string]string{"finding.critical.simulated": "injected failure"},
		}
	}

	facts, ok := phaseFacts[task.Phase]
	if !ok {
		facts = map[string]string{strings.ToLower(task.Phase) + ".result": "done"}
	}
	return &specialist.Output{
		Payload: map[string]any{
			"summary": fmt.Sprintf("%s handled by %s", task.Phase, s.name),
		},
		Facts: facts,
		Flags: map[string]bool{"typed_output": true},
	}
}

func (s *simulator) consumeFailure(phase string) bool {
	if s.failPhase == "" || phase != s.failPhase {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = make(map[string]int)
	}
	if s.failed[phase] >= s.failCount {
		return false
	}
	s.failed[phase]++
	return true
}
