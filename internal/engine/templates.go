package engine

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/flowd/internal/gate"
)

// Built-in plan template ids. The set is closed: plans are code, not data,
// so an invalid plan is a compile-time or startup-time failure.
const (
	TemplateFeature        = "feature"
	TemplateFeatureChecked = "feature-checked"
	TemplateHotfix         = "hotfix"
)

// PhaseSpec declares one phase of a plan template: the capability it needs,
// the gate criteria that must hold over the specialist's reply, the fact keys
// it is expected to produce and the full-tier keys to include in its context
// slice alongside the quick tier.
type PhaseSpec struct {
	Name       string
	Capability string
	Criteria   []gate.Criterion
	Facts      []string
	FullKeys   []string
}

// Template is an ordered list of stages. A stage with more than one phase is
// a sibling group: its phases have no data dependency and run concurrently,
// joined before the next stage.
type Template struct {
	ID     string
	Stages [][]PhaseSpec
}

// TemplateView is the discovery shape served over HTTP: phase names per stage.
type TemplateView struct {
	ID     string     `json:"id"`
	Stages [][]string `json:"stages"`
}

func planPhase() PhaseSpec {
	return PhaseSpec{
		Name:       "Plan",
		Capability: "planning",
		Criteria: []gate.Criterion{
			gate.FactPresent("architecture"),
		},
		Facts: []string{"architecture"},
	}
}

func implementPhase() PhaseSpec {
	return PhaseSpec{
		Name:       "Implement",
		Capability: "implementation",
		Criteria: []gate.Criterion{
			gate.OutputFlag("typed_output"),
			gate.PayloadNonEmpty().WithWeight(0.5),
		},
		Facts:    []string{"implementation.summary"},
		FullKeys: []string{"architecture"},
	}
}

func securityCheckPhase() PhaseSpec {
	return PhaseSpec{
		Name:       "SecurityCheck",
		Capability: "security-review",
		Criteria: []gate.Criterion{
			gate.NoCriticalFindings().AsCritical(),
		},
		Facts:    []string{"security.report"},
		FullKeys: []string{"architecture", "implementation.summary"},
	}
}

func performanceCheckPhase() PhaseSpec {
	return PhaseSpec{
		Name:       "PerformanceCheck",
		Capability: "performance-review",
		Criteria: []gate.Criterion{
			gate.PayloadNonEmpty(),
		},
		Facts:    []string{"performance.report"},
		FullKeys: []string{"implementation.summary"},
	}
}

func reviewPhase() PhaseSpec {
	// No ContextHas("architecture") here: hotfix plans review without a
	// planning phase, so the criterion set must hold for both templates.
	return PhaseSpec{
		Name:       "Review",
		Capability: "code-review",
		Criteria: []gate.Criterion{
			gate.PayloadNonEmpty(),
		},
		Facts:    []string{"review.verdict"},
		FullKeys: []string{"architecture"},
	}
}

// builtinTemplates returns the closed plan set.
func builtinTemplates() map[string]Template {
	return map[string]Template{
		TemplateFeature: {
			ID: TemplateFeature,
			Stages: [][]PhaseSpec{
				{planPhase()},
				{implementPhase()},
				{reviewPhase()},
			},
		},
		TemplateFeatureChecked: {
			ID: TemplateFeatureChecked,
			Stages: [][]PhaseSpec{
				{planPhase()},
				{implementPhase()},
				{securityCheckPhase(), performanceCheckPhase()},
				{reviewPhase()},
			},
		},
		TemplateHotfix: {
			ID: TemplateHotfix,
			Stages: [][]PhaseSpec{
				{implementPhase()},
				{reviewPhase()},
			},
		},
	}
}

// validateTemplates rejects malformed plans at startup: empty templates,
// duplicate phase names, phases without a capability, and sibling phases
// declaring the same output fact key (siblings must write disjoint keys).
func validateTemplates(templates map[string]Template) error {
	for id, tpl := range templates {
		if len(tpl.Stages) == 0 {
			return fmt.Errorf("template %s: no stages", id)
		}
		names := make(map[string]bool)
		for _, stage := range tpl.Stages {
			if len(stage) == 0 {
				return fmt.Errorf("template %s: empty stage", id)
			}
			facts := make(map[string]string)
			for _, spec := range stage {
				if spec.Name == "" {
					return fmt.Errorf("template %s: phase with empty name", id)
				}
				if names[spec.Name] {
					return fmt.Errorf("template %s: duplicate phase name %s", id, spec.Name)
				}
				names[spec.Name] = true
				if spec.Capability == "" {
					return fmt.Errorf("template %s: phase %s has no capability", id, spec.Name)
				}
				if len(stage) > 1 {
					for _, key := range spec.Facts {
						if other, ok := facts[key]; ok {
							return fmt.Errorf("template %s: siblings %s and %s both declare fact %q",
								id, other, spec.Name, key)
						}
						facts[key] = spec.Name
					}
				}
			}
		}
	}
	return nil
}

// Templates lists the plan set, sorted by id.
func (e *Engine) Templates() []TemplateView {
	views := make([]TemplateView, 0, len(e.templates))
	for _, tpl := range e.templates {
		view := TemplateView{ID: tpl.ID}
		for _, stage := range tpl.Stages {
			names := make([]string, 0, len(stage))
			for _, spec := range stage {
				names = append(names, spec.Name)
			}
			view.Stages = append(view.Stages, names)
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}
