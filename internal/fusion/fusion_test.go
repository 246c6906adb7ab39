package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fusionscore/internal/calibrate"
	"github.com/sells-group/fusionscore/internal/model"
)

func dims(a, p, r, t float64) map[string]float64 {
	return map[string]float64{
		model.DimActivityVolume:     a,
		model.DimParticipationLevel: p,
		model.DimResponsiveness:     r,
		model.DimThroughput:         t,
	}
}

func TestSourceScore_FixedBlend(t *testing.T) {
	coef := calibrate.DefaultCoefficients()
	// 0.3*80 + 0.2*60 + 0.25*40 + 0.25*100
	assert.InDelta(t, 71, SourceScore(coef, dims(80, 60, 40, 100), nil), 1e-9)
}

func TestSourceScore_UniformWeightsMatchBlend(t *testing.T) {
	coef := calibrate.DefaultCoefficients()
	uniform := dims(0.25, 0.25, 0.25, 0.25)
	d := dims(80, 60, 40, 100)
	assert.InDelta(t, SourceScore(coef, d, nil), SourceScore(coef, d, uniform), 1e-9)
}

func TestSourceScore_WeightsShiftScore(t *testing.T) {
	coef := calibrate.DefaultCoefficients()
	d := dims(100, 0, 0, 0)
	heavy := SourceScore(coef, d, dims(0.7, 0.1, 0.1, 0.1))
	light := SourceScore(coef, d, dims(0.1, 0.3, 0.3, 0.3))
	assert.Greater(t, heavy, light)
}

func TestSourceScore_Edges(t *testing.T) {
	coef := calibrate.DefaultCoefficients()
	assert.InDelta(t, 50, SourceScore(coef, nil, nil), 1e-9, "missing dimensions are neutral")
	assert.InDelta(t, 71, SourceScore(coef, dims(80, 60, 40, 100), dims(0, 0, 0, 0)), 1e-9, "zero weights use blend")
	for _, d := range []map[string]float64{dims(0, 0, 0, 0), dims(100, 100, 100, 100)} {
		s := SourceScore(coef, d, dims(0.9, 0.05, 0.03, 0.02))
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 100.0)
	}
}

func TestLatest(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Latest([]model.Metric{
		{Name: "throughput", NormalizedValue: 90, CapturedAt: t0.Add(time.Hour)},
		{Name: "throughput", NormalizedValue: 10, CapturedAt: t0},
		{Name: "responsiveness", NormalizedValue: 40, CapturedAt: t0},
	})
	assert.Equal(t, map[string]float64{"throughput": 90, "responsiveness": 40}, got)
}

func TestTrendOf(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   model.Trend
	}{
		{"empty", nil, model.TrendStable},
		{"single", []float64{70}, model.TrendStable},
		{"pair up", []float64{50, 53}, model.TrendUp},
		{"pair flat", []float64{50, 52}, model.TrendStable},
		{"window down", []float64{80, 80, 80, 70, 70, 70}, model.TrendDown},
		{"long history uses last six", []float64{10, 10, 10, 60, 60, 60, 61, 61, 61}, model.TrendStable},
		{"rising series", []float64{50, 55, 60, 65, 70, 75, 80}, model.TrendUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TrendOf(tt.scores))
		})
	}
}

func TestEntity(t *testing.T) {
	coef := calibrate.DefaultCoefficients()

	res := Entity(coef, "ent-1", []Contribution{
		{SourceID: "slack", Category: model.CategoryCommunication, Score: 80, Origin: model.OriginComputed},
		{SourceID: "jira", Category: model.CategoryProjectManagement, Score: 40, Origin: model.OriginBaseline},
	})
	assert.Equal(t, model.OriginComputed, res.Origin)
	// equal category weights: (80+40)/2
	assert.InDelta(t, 60, res.Score, 1e-9)
	require.Len(t, res.Contributions, 2)
	assert.InDelta(t, 0.5, res.Contributions[0].Weight, 1e-9)

	var total float64
	for _, c := range res.Contributions {
		total += c.Weight
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestEntity_WeightedAndSharedCategory(t *testing.T) {
	coef := calibrate.DefaultCoefficients()

	res := Entity(coef, "ent-1", []Contribution{
		{SourceID: "github", Category: model.CategoryEngineering, Score: 90},
		{SourceID: "gitlab", Category: model.CategoryEngineering, Score: 70},
		{SourceID: "figma", Category: model.CategoryDesign, Score: 20},
	})
	// engineering .15 (avg 80), design .03 -> (0.15*80 + 0.03*20) / 0.18
	assert.InDelta(t, (0.15*80+0.03*20)/0.18, res.Score, 1e-9)
	assert.Equal(t, model.OriginBaseline, res.Origin)
	assert.Equal(t, "github", res.Contributions[0].SourceID)
}

func TestEntity_Empty(t *testing.T) {
	res := Entity(calibrate.DefaultCoefficients(), "ent-1", nil)
	assert.InDelta(t, 50, res.Score, 1e-9)
	assert.Equal(t, model.OriginBaseline, res.Origin)
}
