// Package fusion combines normalized dimensions and calibrated weights into
// source and entity scores.
package fusion

import (
	"math"
	"sort"

	"github.com/sells-group/fusionscore/internal/calibrate"
	"github.com/sells-group/fusionscore/internal/model"
)

// trendThreshold is the mean shift, in score points, that counts as movement.
const trendThreshold = 2.0

// SourceScore blends the four canonical dimensions into a 0-100 score. Each
// blend coefficient is scaled by the calibrated weight of its dimension and
// the result renormalized, so uniform weights reproduce the fixed blend.
// Missing dimensions read as neutral.
func SourceScore(coef calibrate.Coefficients, dims, weights map[string]float64) float64 {
	blend := coef.Blend.ByDimension()

	var num, den float64
	for _, dim := range model.Dimensions() {
		w := blend[dim]
		if len(weights) > 0 {
			w *= weights[dim]
		}
		v, ok := dims[dim]
		if !ok || math.IsNaN(v) {
			v = model.BaselineScore
		}
		num += w * v
		den += w
	}
	if den <= 0 {
		// Calibrated weights that zero out every dimension fall back to the fixed blend.
		if len(weights) > 0 {
			return SourceScore(coef, dims, nil)
		}
		return model.BaselineScore
	}
	return clampScore(num / den)
}

// Latest returns the most recent normalized value per metric name.
func Latest(metrics []model.Metric) map[string]float64 {
	out := make(map[string]float64)
	seen := make(map[string]int64)
	for _, m := range metrics {
		ts := m.CapturedAt.UnixNano()
		if prev, ok := seen[m.Name]; ok && prev > ts {
			continue
		}
		seen[m.Name] = ts
		out[m.Name] = m.NormalizedValue
	}
	return out
}

// TrendOf classifies a chronological (oldest first) score series. The most
// recent k points are compared with the k before them, k = clamp(n/2, 1, 3).
func TrendOf(scores []float64) model.Trend {
	n := len(scores)
	if n < 2 {
		return model.TrendStable
	}
	k := n / 2
	if k > 3 {
		k = 3
	}
	if k < 1 {
		k = 1
	}
	recent := calibrate.Mean(scores[n-k:])
	prior := calibrate.Mean(scores[n-2*k : n-k])
	switch d := recent - prior; {
	case d > trendThreshold:
		return model.TrendUp
	case d < -trendThreshold:
		return model.TrendDown
	default:
		return model.TrendStable
	}
}

// Contribution is one source's share of an entity score.
type Contribution struct {
	SourceID string            `json:"source_id"`
	Category model.Category    `json:"category"`
	Score    float64           `json:"score"`
	Origin   model.ScoreOrigin `json:"score_origin"`
	Weight   float64           `json:"weight"`
}

// EntityScore is the cross-source fusion of an entity.
type EntityScore struct {
	EntityID      string            `json:"entity_id"`
	Score         float64           `json:"score"`
	Origin        model.ScoreOrigin `json:"score_origin"`
	Contributions []Contribution    `json:"contributions"`
}

// Entity fuses per-source scores. Sources of the same category are averaged,
// then categories are combined by their weights renormalized over the
// categories present. The entity is computed once any source is.
func Entity(coef calibrate.Coefficients, entityID string, contributions []Contribution) EntityScore {
	res := EntityScore{EntityID: entityID, Score: model.BaselineScore, Origin: model.OriginBaseline}
	if len(contributions) == 0 {
		return res
	}

	type bucket struct {
		sum float64
		n   int
	}
	byCat := make(map[model.Category]*bucket)
	for _, c := range contributions {
		b, ok := byCat[c.Category]
		if !ok {
			b = &bucket{}
			byCat[c.Category] = b
		}
		b.sum += c.Score
		b.n++
		if c.Origin == model.OriginComputed {
			res.Origin = model.OriginComputed
		}
	}

	var catTotal float64
	for cat := range byCat {
		catTotal += coef.CategoryWeight(cat)
	}

	var score float64
	res.Contributions = make([]Contribution, len(contributions))
	for i, c := range contributions {
		b := byCat[c.Category]
		var w float64
		if catTotal > 0 {
			w = coef.CategoryWeight(c.Category) / catTotal / float64(b.n)
		} else {
			w = 1 / float64(len(contributions))
		}
		c.Weight = w
		res.Contributions[i] = c
		score += w * c.Score
	}
	res.Score = clampScore(score)

	sort.Slice(res.Contributions, func(i, j int) bool {
		if res.Contributions[i].Weight != res.Contributions[j].Weight {
			return res.Contributions[i].Weight > res.Contributions[j].Weight
		}
		return res.Contributions[i].SourceID < res.Contributions[j].SourceID
	})
	return res
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return model.BaselineScore
	}
	return math.Max(0, math.Min(100, v))
}
