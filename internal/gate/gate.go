// Package gate decides whether a phase's declared success criteria are
// satisfied given specialist output and a read-only context snapshot.
// Criteria are pure predicates; evaluation is total and deterministic.
package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/contextstore"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/pkg/specialist"
)

// criticalFindingPrefix marks fact keys that represent blocking findings.
const criticalFindingPrefix = "finding.critical."

// Criterion is one named success predicate. Weight feeds the diagnostic
// score; Critical failures are called out first in the result. Neither
// changes the pass rule: a phase passes only when every criterion is true.
type Criterion struct {
	Name     string
	Weight   float64
	Critical bool

	check func(out *specialist.Output, snap []contextstore.Record) bool
}

// WithWeight returns a copy of the criterion with the given weight.
func (c Criterion) WithWeight(w float64) Criterion {
	c.Weight = w
	return c
}

// AsCritical returns a copy of the criterion marked critical.
func (c Criterion) AsCritical() Criterion {
	c.Critical = true
	return c
}

// OutputFlag passes when the output sets the named boolean flag true.
// The criterion is named after the flag itself.
func OutputFlag(name string) Criterion {
	return Criterion{
		Name:   name,
		Weight: 1,
		check: func(out *specialist.Output, _ []contextstore.Record) bool {
			return out != nil && out.Flags[name]
		},
	}
}

// FactPresent passes when the output declares a fact under key.
func FactPresent(key string) Criterion {
	return Criterion{
		Name:   "fact:" + key,
		Weight: 1,
		check: func(out *specialist.Output, _ []contextstore.Record) bool {
			if out == nil {
				return false
			}
			_, ok := out.Facts[key]
			return ok
		},
	}
}

// ContextHas passes when the snapshot contains a record for key.
func ContextHas(key string) Criterion {
	return Criterion{
		Name:   "context:" + key,
		Weight: 1,
		check: func(_ *specialist.Output, snap []contextstore.Record) bool {
			for _, rec := range snap {
				if rec.Key == key {
					return true
				}
			}
			return false
		},
	}
}

// PayloadNonEmpty passes when the output payload carries at least one entry.
func PayloadNonEmpty() Criterion {
	return Criterion{
		Name:   "payload_non_empty",
		Weight: 1,
		check: func(out *specialist.Output, _ []contextstore.Record) bool {
			return out != nil && len(out.Payload) > 0
		},
	}
}

// NoCriticalFindings passes when neither the output facts nor the snapshot
// carry a key prefixed "finding.critical.".
func NoCriticalFindings() Criterion {
	return Criterion{
		Name:   "no_critical_findings",
		Weight: 1,
		check: func(out *specialist.Output, snap []contextstore.Record) bool {
			if out != nil {
				for key := range out.Facts {
					if strings.HasPrefix(key, criticalFindingPrefix) {
						return false
					}
				}
			}
			for _, rec := range snap {
				if strings.HasPrefix(rec.Key, criticalFindingPrefix) {
					return false
				}
			}
			return true
		},
	}
}

// Result is the outcome of a gate evaluation. Score is the weight share of
// passed criteria and is diagnostic only; Passed remains "every criterion
// true". FailedCriteria lists critical failures first, then alphabetical,
// so identical evaluations compare equal.
type Result struct {
	Passed         bool              `json:"passed"`
	Score          float64           `json:"score"`
	FailedCriteria []string          `json:"failed_criteria,omitempty"`
	Notes          map[string]string `json:"notes,omitempty"`
}

// Evaluator runs criteria. It carries only a logger; evaluation itself is
// stateless.
type Evaluator struct {
	log *logging.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(log *logging.Logger) Option {
	return func(e *Evaluator) { e.log = log }
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{log: logging.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every criterion against the output and snapshot. Evaluation
// is total: a panicking criterion counts as that criterion failing, never as
// an engine fault. Identical output and snapshot produce an identical Result.
// Zero criteria pass vacuously.
func (e *Evaluator) Evaluate(phase string, criteria []Criterion, output *specialist.Output, snapshot []contextstore.Record) Result {
	result := Result{Passed: true, Score: 1.0}
	if len(criteria) == 0 {
		return result
	}

	type failure struct {
		name     string
		critical bool
	}

	notes := make(map[string]string, len(criteria))
	var failed []failure
	var totalWeight, passedWeight float64

	for _, c := range criteria {
		weight := c.Weight
		if weight <= 0 {
			weight = 1
		}
		totalWeight += weight

		passed, panicNote := e.run(phase, c, output, snapshot)
		if passed {
			passedWeight += weight
			notes[c.Name] = "ok"
			continue
		}

		result.Passed = false
		note := "criterion failed"
		if c.Critical {
			note = "critical criterion failed"
		}
		if panicNote != "" {
			note = fmt.Sprintf("%s (%s)", note, panicNote)
		}
		notes[c.Name] = note
		failed = append(failed, failure{name: c.Name, critical: c.Critical})
	}

	sort.Slice(failed, func(i, j int) bool {
		if failed[i].critical != failed[j].critical {
			return failed[i].critical
		}
		return failed[i].name < failed[j].name
	})
	for _, f := range failed {
		result.FailedCriteria = append(result.FailedCriteria, f.name)
	}

	result.Score = passedWeight / totalWeight
	result.Notes = notes
	return result
}

// run executes one criterion, converting a panic into a failure.
func (e *Evaluator) run(phase string, c Criterion, output *specialist.Output, snapshot []contextstore.Record) (passed bool, panicNote string) {
	defer func() {
		if r := recover(); r != nil {
			passed = false
			panicNote = fmt.Sprintf("recovered panic: %v", r)
			e.log.Warn(context.Background(), "gate criterion panicked",
				zap.String("phase", phase),
				zap.String("criterion", c.Name),
				zap.Any("panic", r))
		}
	}()
	if c.check == nil {
		return false, ""
	}
	return c.check(output, snapshot), ""
}
