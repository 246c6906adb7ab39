package calibrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		in   ConfidenceInput
		want float64
	}{
		{"nothing", ConfidenceInput{}, 0},
		{"no history ignores variance", ConfidenceInput{Metrics: 3, Variance: 0}, 0.1},
		{"thin", ConfidenceInput{Snapshots: 3, Metrics: 3, Variance: 30}, 0.2},
		{"moderate", ConfidenceInput{Snapshots: 7, Metrics: 10, Variance: 10}, 0.5},
		{"computed", ConfidenceInput{Snapshots: 7, Metrics: 10, Variance: 10, HasComputed: true}, 0.7},
		{"full", ConfidenceInput{Snapshots: 14, Metrics: 20, Variance: 2, HasComputed: true}, 1.0},
		{"saturated", ConfidenceInput{Snapshots: 400, Metrics: 900, Variance: 0, HasComputed: true}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.in).Total, 1e-9)
		})
	}
}

func TestConfidence_Breakdown(t *testing.T) {
	b := Confidence(ConfidenceInput{Snapshots: 14, Metrics: 12, Variance: 12, HasComputed: true})
	assert.InDelta(t, 0.3, b.History, 1e-9)
	assert.InDelta(t, 0.2, b.Metrics, 1e-9)
	assert.InDelta(t, 0.1, b.Stability, 1e-9)
	assert.InDelta(t, 0.2, b.Completion, 1e-9)
	assert.InDelta(t, b.History+b.Metrics+b.Stability+b.Completion, b.Total, 1e-9)
}

func TestConfidence_MonotoneInCounts(t *testing.T) {
	prev := -1.0
	for n := 0; n <= 40; n++ {
		got := Confidence(ConfidenceInput{Snapshots: n, Metrics: n, Variance: 8}).Total
		assert.GreaterOrEqual(t, got, prev, "n=%d", n)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
		prev = got
	}
}
