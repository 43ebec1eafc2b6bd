package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/flowd/internal/contextstore"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/pkg/specialist"
)

func passingOutput() *specialist.Output {
	return &specialist.Output{
		Payload: map[string]any{"summary": "done"},
		Facts:   map[string]string{"architecture": "hexagonal"},
		Flags:   map[string]bool{"typed_output": true},
	}
}

func snapshotWith(keys ...string) []contextstore.Record {
	recs := make([]contextstore.Record, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, contextstore.Record{Key: k, Value: "v", Tier: contextstore.TierQuick})
	}
	return recs
}

func TestEvaluate_AllPass(t *testing.T) {
	e := NewEvaluator()
	criteria := []Criterion{
		OutputFlag("typed_output"),
		FactPresent("architecture"),
		PayloadNonEmpty(),
		ContextHas("requirements"),
		NoCriticalFindings(),
	}

	res := e.Evaluate("Implement", criteria, passingOutput(), snapshotWith("requirements"))
	assert.True(t, res.Passed)
	assert.Empty(t, res.FailedCriteria)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.Equal(t, "ok", res.Notes["typed_output"])
}

func TestEvaluate_NoPassWithAnyFailure(t *testing.T) {
	e := NewEvaluator()
	criteria := []Criterion{
		OutputFlag("typed_output"),
		OutputFlag("tests_green"),
	}
	out := &specialist.Output{
		Payload: map[string]any{"x": 1},
		Flags:   map[string]bool{"typed_output": true, "tests_green": false},
	}

	res := e.Evaluate("Implement", criteria, out, nil)
	assert.False(t, res.Passed, "one failed criterion must fail the gate")
	assert.Equal(t, []string{"tests_green"}, res.FailedCriteria)
	assert.InDelta(t, 0.5, res.Score, 1e-9)
}

func TestEvaluate_WeightedScore(t *testing.T) {
	e := NewEvaluator()
	criteria := []Criterion{
		OutputFlag("a").WithWeight(3),
		OutputFlag("b").WithWeight(1),
	}
	out := &specialist.Output{Payload: map[string]any{"x": 1}, Flags: map[string]bool{"a": true}}

	res := e.Evaluate("Review", criteria, out, nil)
	assert.False(t, res.Passed)
	assert.InDelta(t, 0.75, res.Score, 1e-9)
}

func TestEvaluate_CriticalFailuresListedFirst(t *testing.T) {
	e := NewEvaluator()
	criteria := []Criterion{
		OutputFlag("aaa_ordinary"),
		OutputFlag("zzz_vital").AsCritical(),
	}
	out := &specialist.Output{Payload: map[string]any{"x": 1}}

	res := e.Evaluate("Review", criteria, out, nil)
	require.Equal(t, []string{"zzz_vital", "aaa_ordinary"}, res.FailedCriteria,
		"critical failure must be called out first despite name order")
	assert.Equal(t, "critical criterion failed", res.Notes["zzz_vital"])
	assert.Equal(t, "criterion failed", res.Notes["aaa_ordinary"])
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := NewEvaluator()
	criteria := []Criterion{
		OutputFlag("typed_output"),
		FactPresent("architecture"),
		ContextHas("requirements"),
		NoCriticalFindings().AsCritical(),
	}
	out := &specialist.Output{
		Payload: map[string]any{"n": 1},
		Facts:   map[string]string{"finding.critical.sqli": "found"},
	}
	snap := snapshotWith("requirements", "other")

	first := e.Evaluate("SecurityCheck", criteria, out, snap)
	for i := 0; i < 20; i++ {
		again := e.Evaluate("SecurityCheck", criteria, out, snap)
		assert.Equal(t, first, again, "identical inputs must yield identical results")
	}
	assert.False(t, first.Passed)
	assert.Equal(t, "no_critical_findings", first.FailedCriteria[0])
}

func TestEvaluate_ZeroCriteriaPassVacuously(t *testing.T) {
	e := NewEvaluator()
	res := e.Evaluate("Plan", nil, nil, nil)
	assert.True(t, res.Passed)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
}

func TestEvaluate_PanickingCriterionCountsAsFailed(t *testing.T) {
	log := logging.NewTestLogger()
	e := NewEvaluator(WithLogger(log.Logger))

	criteria := []Criterion{
		{
			Name:   "explodes",
			Weight: 1,
			check: func(_ *specialist.Output, _ []contextstore.Record) bool {
				panic("boom")
			},
		},
		OutputFlag("typed_output"),
	}

	res := e.Evaluate("Implement", criteria, passingOutput(), nil)
	assert.False(t, res.Passed)
	assert.Contains(t, res.FailedCriteria, "explodes")
	assert.Contains(t, res.Notes["explodes"], "recovered panic")
	assert.InDelta(t, 0.5, res.Score, 1e-9)

	log.AssertLogged(t, zapcore.WarnLevel, "criterion panicked")
}

func TestEvaluate_NilOutputFailsOutputCriteria(t *testing.T) {
	e := NewEvaluator()
	criteria := []Criterion{
		OutputFlag("typed_output"),
		FactPresent("architecture"),
		PayloadNonEmpty(),
		ContextHas("requirements"),
	}

	res := e.Evaluate("Implement", criteria, nil, snapshotWith("requirements"))
	assert.False(t, res.Passed)
	// Only the snapshot-backed criterion can pass without output.
	assert.NotContains(t, res.FailedCriteria, "context:requirements")
	assert.Contains(t, res.FailedCriteria, "typed_output")
	assert.Contains(t, res.FailedCriteria, "fact:architecture")
	assert.Contains(t, res.FailedCriteria, "payload_non_empty")
}

func TestNoCriticalFindings_ScansSnapshotToo(t *testing.T) {
	e := NewEvaluator()
	criteria := []Criterion{NoCriticalFindings()}

	clean := e.Evaluate("Review", criteria, passingOutput(), snapshotWith("architecture"))
	assert.True(t, clean.Passed)

	dirty := e.Evaluate("Review", criteria, passingOutput(),
		snapshotWith("finding.critical.path-traversal"))
	assert.False(t, dirty.Passed)
}

func TestCriterionNames(t *testing.T) {
	assert.Equal(t, "typed_output", OutputFlag("typed_output").Name)
	assert.Equal(t, "fact:architecture", FactPresent("architecture").Name)
	assert.Equal(t, "context:requirements", ContextHas("requirements").Name)
	assert.Equal(t, "payload_non_empty", PayloadNonEmpty().Name)
	assert.Equal(t, "no_critical_findings", NoCriticalFindings().Name)
}
