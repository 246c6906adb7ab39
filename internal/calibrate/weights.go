package calibrate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sells-group/fusionscore/internal/model"
)

// MetricInput is the per-metric signal set the calibrator weighs.
type MetricInput struct {
	Name               string
	BaseWeight         float64
	Variance           float64
	CorrelationPenalty float64
}

// WeightResult is one calibrated metric weight.
type WeightResult struct {
	Name               string  `json:"name"`
	Raw                float64 `json:"raw"`
	Final              float64 `json:"final"`
	Variance           float64 `json:"variance"`
	CorrelationPenalty float64 `json:"correlation_penalty"`
	Reason             string  `json:"reason"`
	Adaptive           bool    `json:"adaptive"`
}

// Result is the outcome of one calibration pass.
type Result struct {
	Confidence float64        `json:"confidence"`
	Fallback   bool           `json:"fallback"`
	Weights    []WeightResult `json:"weights"`
}

// Calibrate computes normalized weights for a source's metrics:
//
//	raw   = base * (1 + α·variance + β·confidence − γ·correlation_penalty)
//	final = raw / Σ raw
//
// Non-finite or negative raw weights, or a non-positive sum, fall back to a
// uniform 1/N split. The output is sorted by metric name and depends only on
// its inputs.
func Calibrate(coef Coefficients, inputs []MetricInput, confidence float64) Result {
	res := Result{Confidence: confidence}
	if len(inputs) == 0 {
		return res
	}

	sorted := make([]MetricInput, len(inputs))
	copy(sorted, inputs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	res.Weights = make([]WeightResult, len(sorted))
	var sum float64
	var bad string
	for i, in := range sorted {
		raw := in.BaseWeight * (1 + coef.Alpha*in.Variance + coef.Beta*confidence - coef.Gamma*in.CorrelationPenalty)
		res.Weights[i] = WeightResult{
			Name:               in.Name,
			Raw:                raw,
			Variance:           in.Variance,
			CorrelationPenalty: in.CorrelationPenalty,
		}
		switch {
		case math.IsNaN(raw) || math.IsInf(raw, 0):
			if bad == "" {
				bad = fmt.Sprintf("non-finite raw weight for %s", in.Name)
			}
		case raw < 0:
			if bad == "" {
				bad = fmt.Sprintf("negative raw weight for %s", in.Name)
			}
		default:
			sum += raw
		}
	}
	if bad == "" && sum <= 0 {
		bad = fmt.Sprintf("raw weight sum %.3f <= 0", sum)
	}

	if bad != "" {
		res.Fallback = true
		uniform := 1.0 / float64(len(res.Weights))
		for i := range res.Weights {
			res.Weights[i].Final = uniform
			res.Weights[i].Reason = "uniform_fallback: " + bad
		}
		return res
	}

	for i := range res.Weights {
		w := &res.Weights[i]
		w.Final = w.Raw / sum
		w.Adaptive = true
		w.Reason = fmt.Sprintf("adaptive: variance=%.3f confidence=%.3f correlation=%.3f",
			w.Variance, confidence, w.CorrelationPenalty)
	}
	return res
}

// Sum returns Σ final weight.
func (r Result) Sum() float64 {
	var s float64
	for _, w := range r.Weights {
		s += w.Final
	}
	return s
}

// Final returns the final weights keyed by metric name.
func (r Result) Final() map[string]float64 {
	out := make(map[string]float64, len(r.Weights))
	for _, w := range r.Weights {
		out[w.Name] = w.Final
	}
	return out
}

// Weightings converts the result into store rows for one (entity, source).
func (r Result) Weightings(entityID, sourceID string, at time.Time) []model.Weighting {
	out := make([]model.Weighting, len(r.Weights))
	for i, w := range r.Weights {
		out[i] = model.Weighting{
			EntityID:           entityID,
			SourceID:           sourceID,
			MetricName:         w.Name,
			FinalWeight:        w.Final,
			Variance:           w.Variance,
			Confidence:         r.Confidence,
			CorrelationPenalty: w.CorrelationPenalty,
			AdjustmentReason:   w.Reason,
			IsAdaptive:         w.Adaptive,
			UpdatedAt:          at,
		}
	}
	return out
}

// Changes records per-metric deltas against the previously stored weights.
// Metrics without a previous weight report Previous as 0.
func Changes(previous map[string]float64, current Result) []model.WeightChange {
	out := make([]model.WeightChange, 0, len(current.Weights))
	for _, w := range current.Weights {
		prev := previous[w.Name]
		out = append(out, model.WeightChange{
			Metric:   w.Name,
			Previous: prev,
			Current:  w.Final,
			Delta:    w.Final - prev,
		})
	}
	return out
}
