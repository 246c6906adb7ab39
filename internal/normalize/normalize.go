// Package normalize rescales raw category counters onto the four canonical
// 0-100 dimensions.
package normalize

import (
	"math"

	"github.com/sells-group/fusionscore/internal/extract"
	"github.com/sells-group/fusionscore/internal/model"
)

// Neutral is returned whenever a value cannot be placed on a scale.
const Neutral = 50.0

// Normalize maps value from [min, max] onto [0, 100], clamped. A degenerate
// band (min == max) yields the midpoint.
func Normalize(value, min, max float64) float64 {
	if max == min {
		return Neutral
	}
	if max < min {
		min, max = max, min
	}
	if math.IsNaN(value) {
		return 0
	}
	return clamp((value-min)/(max-min)*100, 0, 100)
}

// Ratio returns num/den as a percentage. A zero denominator is neutral.
func Ratio(num, den float64) float64 {
	if den <= 0 || math.IsNaN(num) || math.IsNaN(den) {
		return Neutral
	}
	return clamp(num/den*100, 0, 100)
}

// InverseRatio returns 100 - num/den*100. A zero denominator is neutral.
func InverseRatio(num, den float64) float64 {
	if den <= 0 || math.IsNaN(num) || math.IsNaN(den) {
		return Neutral
	}
	return clamp(100-num/den*100, 0, 100)
}

// Reading is one canonical dimension computed from a set of counters.
type Reading struct {
	Name       string  `json:"name"`
	Raw        float64 `json:"raw"`
	Normalized float64 `json:"normalized"`
}

// Canonical converts counters of the given category into the four canonical
// dimensions, in model.Dimensions order.
func Canonical(category model.Category, c extract.Counters) []Reading {
	p := ProfileFor(category)
	return []Reading{
		p.Activity.apply(model.DimActivityVolume, c),
		p.Participation.apply(model.DimParticipationLevel, c),
		p.Responsiveness.apply(model.DimResponsiveness, c),
		p.Throughput.apply(model.DimThroughput, c),
	}
}

// Values flattens readings into a name -> normalized value map.
func Values(readings []Reading) map[string]float64 {
	out := make(map[string]float64, len(readings))
	for _, r := range readings {
		out[r.Name] = r.Normalized
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
