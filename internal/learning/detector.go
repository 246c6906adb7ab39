// Package learning derives anomalies, learning events and the learning state
// of a source from its score history. Nothing here is persisted: every value
// is a pure projection of the stored snapshots.
package learning

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sells-group/fusionscore/internal/calibrate"
	"github.com/sells-group/fusionscore/internal/model"
)

// EventType names a learning event.
type EventType string

const (
	BaselineEstablished   EventType = "BASELINE_ESTABLISHED"
	ConfidenceIncreased   EventType = "CONFIDENCE_INCREASED"
	ConfidenceDecreased   EventType = "CONFIDENCE_DECREASED"
	VarianceStabilized    EventType = "VARIANCE_STABILIZED"
	MaturityPromoted      EventType = "MATURITY_PROMOTED"
	AnomalyPatternLearned EventType = "ANOMALY_PATTERN_LEARNED"
)

// Detector thresholds.
const (
	AnomalyZ          = 2.0
	MaxWindow         = 7
	MinWindowHistory  = 6
	MaturityWindow    = 7
	MaturityVariance  = 10.0
	StableVariance    = 5.0
	ImprovingRatio    = 0.7
	DegradingRatio    = 1.3
	MinAnomalyHistory = 14
	MinAnomalyRate    = 0.01
	MaxAnomalyRate    = 0.20
)

// eventOrder breaks timestamp ties so output order is stable.
var eventOrder = map[EventType]int{
	AnomalyPatternLearned: 0,
	MaturityPromoted:      1,
	VarianceStabilized:    2,
	ConfidenceIncreased:   3,
	ConfidenceDecreased:   4,
	BaselineEstablished:   5,
}

// Event is one derived learning milestone.
type Event struct {
	Type   EventType `json:"type"`
	At     time.Time `json:"at"`
	Value  float64   `json:"value"`
	Detail string    `json:"detail"`
}

// Anomaly is a snapshot whose z-score exceeds AnomalyZ.
type Anomaly struct {
	At     time.Time `json:"at"`
	Score  float64   `json:"score"`
	ZScore float64   `json:"z_score"`
}

// Chronological returns a copy of snaps ordered oldest first.
func Chronological(snaps []model.ScoreSnapshot) []model.ScoreSnapshot {
	out := make([]model.ScoreSnapshot, len(snaps))
	copy(out, snaps)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Scores extracts the score series from chronological snapshots.
func Scores(snaps []model.ScoreSnapshot) []float64 {
	out := make([]float64, len(snaps))
	for i, s := range snaps {
		out[i] = s.Score
	}
	return out
}

// Anomalies flags snapshots with |x-μ|/σ > 2. A flat series has none.
func Anomalies(snaps []model.ScoreSnapshot) []Anomaly {
	ordered := Chronological(snaps)
	scores := Scores(ordered)
	mu, sigma := calibrate.Mean(scores), calibrate.StdDev(scores)
	if sigma == 0 {
		return nil
	}
	var out []Anomaly
	for _, s := range ordered {
		z := math.Abs(s.Score-mu) / sigma
		if z > AnomalyZ {
			out = append(out, Anomaly{At: s.RecordedAt, Score: s.Score, ZScore: z})
		}
	}
	return out
}

// volatility is the variance of successive changes within a window, so a
// steady trend reads as stable.
func volatility(scores []float64) float64 {
	return calibrate.Variance(calibrate.Deltas(scores))
}

// Detect derives learning events from a source's score history, most recent
// first. hasComputed reports whether the source has a computed score.
func Detect(snaps []model.ScoreSnapshot, hasComputed bool) []Event {
	ordered := Chronological(snaps)
	n := len(ordered)
	if n == 0 {
		return nil
	}
	scores := Scores(ordered)
	latest := ordered[n-1].RecordedAt

	events := []Event{{
		Type:   BaselineEstablished,
		At:     ordered[0].RecordedAt,
		Value:  scores[0],
		Detail: fmt.Sprintf("baseline score %.1f", scores[0]),
	}}

	if n >= MinWindowHistory {
		w := n / 2
		if w > MaxWindow {
			w = MaxWindow
		}
		recent := volatility(scores[n-w:])
		older := volatility(scores[n-2*w : n-w])

		switch {
		case recent < ImprovingRatio*older:
			events = append(events, Event{
				Type:   ConfidenceIncreased,
				At:     latest,
				Value:  recent,
				Detail: fmt.Sprintf("recent volatility %.2f below %.0f%% of prior %.2f", recent, ImprovingRatio*100, older),
			})
		case recent > DegradingRatio*older:
			events = append(events, Event{
				Type:   ConfidenceDecreased,
				At:     latest,
				Value:  recent,
				Detail: fmt.Sprintf("recent volatility %.2f above %.0f%% of prior %.2f", recent, DegradingRatio*100, older),
			})
		}
		if recent < StableVariance && older >= StableVariance {
			events = append(events, Event{
				Type:   VarianceStabilized,
				At:     latest,
				Value:  recent,
				Detail: fmt.Sprintf("volatility settled at %.2f from %.2f", recent, older),
			})
		}
	}

	if hasComputed && n >= MaturityWindow {
		for end := MaturityWindow; end <= n; end++ {
			v := volatility(scores[end-MaturityWindow : end])
			if v < MaturityVariance {
				events = append(events, Event{
					Type:   MaturityPromoted,
					At:     ordered[end-1].RecordedAt,
					Value:  v,
					Detail: fmt.Sprintf("%d-point window volatility %.2f", MaturityWindow, v),
				})
				break
			}
		}
	}

	if n >= MinAnomalyHistory {
		anomalies := Anomalies(ordered)
		rate := float64(len(anomalies)) / float64(n)
		if len(anomalies) > 0 && rate >= MinAnomalyRate && rate <= MaxAnomalyRate {
			events = append(events, Event{
				Type:   AnomalyPatternLearned,
				At:     anomalies[len(anomalies)-1].At,
				Value:  rate,
				Detail: fmt.Sprintf("%d of %d snapshots anomalous (%.1f%%)", len(anomalies), n, rate*100),
			})
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].At.Equal(events[j].At) {
			return events[i].At.After(events[j].At)
		}
		return eventOrder[events[i].Type] < eventOrder[events[j].Type]
	})
	return events
}
