package pattern

import (
	"fmt"
	"strconv"
	"strings"
)

// GateFailureKeyPrefix marks context records the engine writes after gate
// failures; the value is the failure count for the phase named in the suffix.
const GateFailureKeyPrefix = "gate.failures."

// architectureKey is the decision record the missing-architecture rule wants.
const architectureKey = "architecture"

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		securitySensitiveContext(),
		missingArchitecture(),
		quickBudgetPressure(),
		repeatedGateFailures(),
		staleArchivedReference(),
	}
}

// securitySensitiveContext suggests a security review when sensitive records
// are present. Confidence grows with the count.
func securitySensitiveContext() Rule {
	return Rule{
		Name: "security-sensitive-context",
		Match: func(snap Snapshot) *Recommendation {
			n := 0
			for _, rec := range snap.Records {
				if rec.Sensitive {
					n++
				}
			}
			if n == 0 {
				return nil
			}
			conf := 0.5 + 0.1*float64(n)
			if conf > 0.9 {
				conf = 0.9
			}
			return &Recommendation{
				Confidence: conf,
				Capability: "security-review",
				Priority:   PriorityHigh,
				Reason:     fmt.Sprintf("%d sensitive records in shared context", n),
			}
		},
	}
}

// missingArchitecture fires when phases have written facts but no
// architecture decision is on record.
func missingArchitecture() Rule {
	return Rule{
		Name: "missing-architecture",
		Match: func(snap Snapshot) *Recommendation {
			sawPhaseFacts := false
			for _, rec := range snap.Records {
				if rec.Key == architectureKey {
					return nil
				}
				if rec.Origin != "" {
					sawPhaseFacts = true
				}
			}
			if !sawPhaseFacts {
				return nil
			}
			return &Recommendation{
				Confidence: 0.7,
				Capability: "planning",
				Priority:   PriorityHigh,
				Reason:     "phases produced facts but no architecture decision is recorded",
			}
		},
	}
}

// quickBudgetPressure fires at 80% quick-tier utilization; confidence tracks
// the utilization itself.
func quickBudgetPressure() Rule {
	return Rule{
		Name: "quick-budget-pressure",
		Match: func(snap Snapshot) *Recommendation {
			if snap.QuickBudget <= 0 {
				return nil
			}
			util := float64(snap.QuickUsed) / float64(snap.QuickBudget)
			if util < 0.8 {
				return nil
			}
			if util > 0.99 {
				util = 0.99
			}
			return &Recommendation{
				Confidence: util,
				Capability: "context-compaction",
				Priority:   PriorityMedium,
				Reason:     fmt.Sprintf("quick tier at %d of %d units", snap.QuickUsed, snap.QuickBudget),
			}
		},
	}
}

// repeatedGateFailures reads the engine's failure markers and escalates once
// any phase has failed twice.
func repeatedGateFailures() Rule {
	return Rule{
		Name: "repeated-gate-failures",
		Match: func(snap Snapshot) *Recommendation {
			worstPhase := ""
			worst := 0
			for _, rec := range snap.Records {
				if !strings.HasPrefix(rec.Key, GateFailureKeyPrefix) {
					continue
				}
				count, err := strconv.Atoi(rec.Value)
				if err != nil {
					continue
				}
				if count > worst {
					worst = count
					worstPhase = strings.TrimPrefix(rec.Key, GateFailureKeyPrefix)
				}
			}
			if worst < 2 {
				return nil
			}
			conf := 0.6 + 0.15*float64(worst-2)
			if conf > 0.95 {
				conf = 0.95
			}
			return &Recommendation{
				Confidence: conf,
				Capability: "escalation",
				Priority:   PriorityHigh,
				Reason:     fmt.Sprintf("phase %s failed its gate %d times", worstPhase, worst),
			}
		},
	}
}

// staleArchivedReference flags live records whose value cites a key that has
// moved to the archived tier.
func staleArchivedReference() Rule {
	return Rule{
		Name: "stale-archived-reference",
		Match: func(snap Snapshot) *Recommendation {
			for _, rec := range snap.Records {
				for _, archived := range snap.ArchivedKeys {
					if archived != "" && strings.Contains(rec.Value, archived) {
						return &Recommendation{
							Confidence: 0.4,
							Capability: "context-refresh",
							Priority:   PriorityLow,
							Reason:     fmt.Sprintf("record %s cites archived key %s", rec.Key, archived),
						}
					}
				}
			}
			return nil
		},
	}
}
