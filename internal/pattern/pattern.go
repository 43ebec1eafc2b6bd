// Package pattern is a stateless analyzer over a context snapshot. Rules are
// independent pure functions; each sees the same snapshot, none sees another
// rule's result, and none mutates anything. The output is strictly advisory:
// the engine attaches recommendations to the audit trail and never blocks on
// them.
package pattern

import (
	"sort"

	"github.com/fyrsmithlabs/flowd/internal/contextstore"
)

// Priority orders recommendations.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// rank orders priorities for sorting.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// Snapshot is the read-only view rules analyze: the live records visible to
// the current phase plus the store gauges rules may reason about.
type Snapshot struct {
	Records      []contextstore.Record
	QuickUsed    int
	QuickBudget  int
	ArchivedKeys []string
}

// Recommendation is one advisory match.
type Recommendation struct {
	Pattern    string   `json:"pattern"`
	Confidence float64  `json:"confidence"`
	Capability string   `json:"capability"`
	Priority   Priority `json:"priority"`
	Reason     string   `json:"reason,omitempty"`
}

// Rule is a named pure function from snapshot to an optional recommendation.
type Rule struct {
	Name  string
	Match func(snap Snapshot) *Recommendation
}

// Defaults for pruning.
const (
	DefaultConfidenceFloor = 0.3
	DefaultLimit           = 5
)

// Analyzer runs a fixed rule set over snapshots.
type Analyzer struct {
	rules []Rule
	floor float64
	limit int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRules replaces the default rule set.
func WithRules(rules []Rule) Option {
	return func(a *Analyzer) { a.rules = rules }
}

// WithConfidenceFloor prunes recommendations below the floor.
func WithConfidenceFloor(floor float64) Option {
	return func(a *Analyzer) { a.floor = floor }
}

// WithLimit caps the number of recommendations per analysis.
func WithLimit(limit int) Option {
	return func(a *Analyzer) { a.limit = limit }
}

// NewAnalyzer creates an analyzer with the default rules, confidence floor
// and cap unless overridden.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{
		rules: DefaultRules(),
		floor: DefaultConfidenceFloor,
		limit: DefaultLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs every rule over the snapshot and returns the surviving
// recommendations sorted by priority descending, confidence descending, then
// pattern name ascending. Confidence is clamped to [0,1]; matches below the
// floor are pruned and at most limit recommendations are kept.
func (a *Analyzer) Analyze(snap Snapshot) []Recommendation {
	matched := make([]Recommendation, 0, len(a.rules))
	for _, rule := range a.rules {
		rec := rule.Match(snap)
		if rec == nil {
			continue
		}
		r := *rec
		r.Pattern = rule.Name
		if r.Confidence < 0 {
			r.Confidence = 0
		}
		if r.Confidence > 1 {
			r.Confidence = 1
		}
		if r.Confidence < a.floor {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority.rank() != matched[j].Priority.rank() {
			return matched[i].Priority.rank() > matched[j].Priority.rank()
		}
		if matched[i].Confidence != matched[j].Confidence {
			return matched[i].Confidence > matched[j].Confidence
		}
		return matched[i].Pattern < matched[j].Pattern
	})

	if a.limit > 0 && len(matched) > a.limit {
		matched = matched[:a.limit]
	}
	return matched
}
