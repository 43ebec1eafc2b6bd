package main

import "testing"

func TestFormatStages(t *testing.T) {
	tests := []struct {
		name   string
		stages [][]string
		want   string
	}{
		{
			name:   "sequential stages",
			stages: [][]string{{"Plan"}, {"Implement"}, {"Review"}},
			want:   "Plan -> Implement -> Review",
		},
		{
			name:   "parallel stage",
			stages: [][]string{{"Plan"}, {"Implement"}, {"SecurityCheck", "PerformanceCheck"}, {"Review"}},
			want:   "Plan -> Implement -> SecurityCheck+PerformanceCheck -> Review",
		},
		{
			name:   "empty plan",
			stages: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatStages(tt.stages)
			if got != tt.want {
				t.Errorf("formatStages(%v) = %q, want %q", tt.stages, got, tt.want)
			}
		})
	}
}
