package model

import "time"

// Canonical dimensions every category is normalized onto.
const (
	DimActivityVolume     = "activity_volume"
	DimParticipationLevel = "participation_level"
	DimResponsiveness     = "responsiveness"
	DimThroughput         = "throughput"
)

// Dimensions returns the canonical dimension names in blend order.
func Dimensions() []string {
	return []string{DimActivityVolume, DimParticipationLevel, DimResponsiveness, DimThroughput}
}

// DefaultBaseWeight is the capture-time weight assigned to new metrics.
const DefaultBaseWeight = 1.0

// Metric is one captured, normalized signal for an entity+source. Metrics are
// never updated; a later capture with the same name supersedes an earlier one.
type Metric struct {
	ID              int64     `json:"id,omitempty"`
	EntityID        string    `json:"entity_id"`
	SourceID        string    `json:"source_id"`
	Name            string    `json:"name"`
	RawValue        float64   `json:"raw_value"`
	NormalizedValue float64   `json:"normalized_value"`
	Weight          float64   `json:"weight"`
	CapturedAt      time.Time `json:"captured_at"`
}

// Weighting is the calibrated weight of one metric for an entity+source.
// Rows are overwritten on every recalibration.
type Weighting struct {
	EntityID           string    `json:"entity_id"`
	SourceID           string    `json:"source_id"`
	MetricName         string    `json:"metric_name"`
	FinalWeight        float64   `json:"final_weight"`
	Variance           float64   `json:"variance"`
	Confidence         float64   `json:"confidence"`
	CorrelationPenalty float64   `json:"correlation_penalty"`
	AdjustmentReason   string    `json:"adjustment_reason"`
	IsAdaptive         bool      `json:"is_adaptive"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// WeightChange records how one metric's weight moved during a recalibration.
type WeightChange struct {
	Metric   string  `json:"metric"`
	Previous float64 `json:"previous"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
}
