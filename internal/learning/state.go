package learning

import (
	"github.com/sells-group/fusionscore/internal/calibrate"
	"github.com/sells-group/fusionscore/internal/fusion"
	"github.com/sells-group/fusionscore/internal/maturity"
	"github.com/sells-group/fusionscore/internal/model"
)

// Input is everything the learning state is derived from.
type Input struct {
	EntityID    string
	SourceID    string
	Snapshots   []model.ScoreSnapshot
	MetricCount int
	Current     *model.FusionScore
}

// State is the learning view of one (entity, source).
type State struct {
	EntityID   string                        `json:"entity_id"`
	SourceID   string                        `json:"source_id"`
	Snapshots  int                           `json:"snapshots"`
	Score      float64                       `json:"score"`
	Origin     model.ScoreOrigin             `json:"score_origin"`
	Trend      model.Trend                   `json:"trend"`
	Stats      calibrate.SeriesStats         `json:"stats"`
	Confidence calibrate.ConfidenceBreakdown `json:"confidence"`
	Tier       maturity.Tier                 `json:"tier"`
	Features   []maturity.Feature            `json:"features"`
	Anomalies  []Anomaly                     `json:"anomalies"`
	Events     []Event                       `json:"events"`
}

// Project computes the learning state. The same input always yields the
// same state.
func Project(in Input) State {
	ordered := Chronological(in.Snapshots)
	scores := Scores(ordered)
	stats := calibrate.Describe(scores)

	st := State{
		EntityID:  in.EntityID,
		SourceID:  in.SourceID,
		Snapshots: len(ordered),
		Score:     model.BaselineScore,
		Origin:    model.OriginBaseline,
		Trend:     fusion.TrendOf(scores),
		Stats:     stats,
	}
	if in.Current != nil {
		st.Score = in.Current.Score
		st.Origin = in.Current.Origin
	} else if len(scores) > 0 {
		st.Score = scores[len(scores)-1]
	}

	hasComputed := in.Current.Computed()
	st.Confidence = calibrate.Confidence(calibrate.ConfidenceInput{
		Snapshots:   len(ordered),
		Metrics:     in.MetricCount,
		Variance:    stats.Variance,
		HasComputed: hasComputed,
	})
	st.Tier = maturity.Classify(st.Origin, len(ordered), stats.Variance, st.Confidence.Total)
	st.Features = st.Tier.Features()
	st.Anomalies = Anomalies(ordered)
	st.Events = Detect(ordered, hasComputed)
	return st
}
