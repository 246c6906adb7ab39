// Package explain renders human-readable explanations of a recalibration.
// The deterministic explainer is always available; the LLM explainer is an
// optional strategy that falls back to it.
package explain

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/fusionscore/internal/calibrate"
	"github.com/sells-group/fusionscore/internal/maturity"
	"github.com/sells-group/fusionscore/internal/model"
)

// Input is everything an explanation may draw on.
type Input struct {
	EntityID     string
	SourceID     string
	Category     model.Category
	MetricsCount int
	Result       calibrate.Result
	Changes      []model.WeightChange
	Confidence   calibrate.ConfidenceBreakdown
	Score        float64
	Origin       model.ScoreOrigin
	Trend        model.Trend
	Tier         maturity.Tier
}

// Explainer produces an explanation for one recalibrated source.
type Explainer interface {
	Explain(ctx context.Context, in Input) (string, error)
}

// maxListed caps how many weight changes are spelled out.
const maxListed = 3

// Label turns a metric name into a display label: "activity_volume" ->
// "Activity Volume".
func Label(metric string) string {
	// Casers are stateful, so each call gets its own.
	return cases.Title(language.English).String(strings.ReplaceAll(metric, "_", " "))
}

// Deterministic builds explanations from templates. Its output depends only
// on the input.
type Deterministic struct{}

// Explain implements Explainer.
func (Deterministic) Explain(_ context.Context, in Input) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "%s (%s) recalibrated from %d metrics with confidence %.2f.",
		in.SourceID, in.Category, in.MetricsCount, in.Confidence.Total)

	if in.Result.Fallback && len(in.Result.Weights) > 0 {
		fmt.Fprintf(&b, " Uniform weights applied: %s.", strings.TrimPrefix(in.Result.Weights[0].Reason, "uniform_fallback: "))
	} else if top := topWeights(in.Result.Weights); len(top) > 0 {
		fmt.Fprintf(&b, " Heaviest metrics: %s.", strings.Join(top, ", "))
	}

	if in.Origin == model.OriginBaseline {
		fmt.Fprintf(&b, " Score held at the %.0f baseline until enough data is collected.", model.BaselineScore)
	} else {
		fmt.Fprintf(&b, " Score %.1f.", in.Score)
	}

	if in.Tier.Permits(maturity.Comparative) {
		if moved := largestChanges(in.Changes); len(moved) > 0 {
			fmt.Fprintf(&b, " Largest shifts: %s.", strings.Join(moved, ", "))
		}
		fmt.Fprintf(&b, " Trend is %s.", in.Trend)
	}

	if in.Tier.Permits(maturity.ForwardLooking) {
		b.WriteString(" History is stable enough to project forward.")
	}

	return b.String(), nil
}

func topWeights(ws []calibrate.WeightResult) []string {
	sorted := make([]calibrate.WeightResult, len(ws))
	copy(sorted, ws)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Final != sorted[j].Final {
			return sorted[i].Final > sorted[j].Final
		}
		return sorted[i].Name < sorted[j].Name
	})
	var out []string
	for i, w := range sorted {
		if i == maxListed {
			break
		}
		out = append(out, fmt.Sprintf("%s %.2f", Label(w.Name), w.Final))
	}
	return out
}

func largestChanges(changes []model.WeightChange) []string {
	sorted := make([]model.WeightChange, 0, len(changes))
	for _, c := range changes {
		if math.Abs(c.Delta) >= 0.005 {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := math.Abs(sorted[i].Delta), math.Abs(sorted[j].Delta)
		if di != dj {
			return di > dj
		}
		return sorted[i].Metric < sorted[j].Metric
	})
	var out []string
	for i, c := range sorted {
		if i == maxListed {
			break
		}
		out = append(out, fmt.Sprintf("%s %+.2f", Label(c.Metric), c.Delta))
	}
	return out
}
