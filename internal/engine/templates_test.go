package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/gate"
)

func TestValidateTemplates_AcceptsBuiltins(t *testing.T) {
	require.NoError(t, validateTemplates(builtinTemplates()))
}

func TestValidateTemplates_RejectsMalformedPlans(t *testing.T) {
	phase := func(name, capability string) PhaseSpec {
		return PhaseSpec{Name: name, Capability: capability, Criteria: []gate.Criterion{gate.PayloadNonEmpty()}}
	}

	tests := []struct {
		name    string
		tpl     Template
		wantErr string
	}{
		{
			name:    "no stages",
			tpl:     Template{ID: "t"},
			wantErr: "no stages",
		},
		{
			name:    "empty stage",
			tpl:     Template{ID: "t", Stages: [][]PhaseSpec{{}}},
			wantErr: "empty stage",
		},
		{
			name:    "empty phase name",
			tpl:     Template{ID: "t", Stages: [][]PhaseSpec{{phase("", "planning")}}},
			wantErr: "empty name",
		},
		{
			name: "duplicate phase name",
			tpl: Template{ID: "t", Stages: [][]PhaseSpec{
				{phase("Plan", "planning")},
				{phase("Plan", "planning")},
			}},
			wantErr: "duplicate phase name",
		},
		{
			name:    "missing capability",
			tpl:     Template{ID: "t", Stages: [][]PhaseSpec{{phase("Plan", "")}}},
			wantErr: "no capability",
		},
		{
			name: "siblings share a fact key",
			tpl: Template{ID: "t", Stages: [][]PhaseSpec{{
				PhaseSpec{Name: "A", Capability: "security-review", Facts: []string{"report"}},
				PhaseSpec{Name: "B", Capability: "performance-review", Facts: []string{"report"}},
			}}},
			wantErr: "both declare fact",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTemplates(map[string]Template{tt.tpl.ID: tt.tpl})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuiltinTemplates_DeclaredFactsDisjointPerStage(t *testing.T) {
	// Sequential stages may overwrite keys; siblings must not race on them.
	for id, tpl := range builtinTemplates() {
		for _, stage := range tpl.Stages {
			if len(stage) < 2 {
				continue
			}
			seen := map[string]bool{}
			for _, spec := range stage {
				for _, key := range spec.Facts {
					assert.False(t, seen[key], "template %s: fact %s declared twice in one stage", id, key)
					seen[key] = true
				}
			}
		}
	}
}
