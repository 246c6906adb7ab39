package model

import "time"

// Trend is the direction of recent score movement.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// ScoreOrigin tells whether a score is a placeholder or derived from data.
type ScoreOrigin string

const (
	OriginBaseline ScoreOrigin = "baseline"
	OriginComputed ScoreOrigin = "computed"
)

// BaselineScore is the neutral placeholder used until enough metrics exist.
const BaselineScore = 50.0

// FusionScore is the current 0-100 score for an entity+source.
type FusionScore struct {
	EntityID     string      `json:"entity_id"`
	SourceID     string      `json:"source_id"`
	Score        float64     `json:"score"`
	Trend        Trend       `json:"trend"`
	Origin       ScoreOrigin `json:"score_origin"`
	CalculatedAt time.Time   `json:"calculated_at"`
}

// Computed reports whether the score was derived from real data.
func (f *FusionScore) Computed() bool {
	return f != nil && f.Origin == OriginComputed
}

// ScoreSnapshot is one append-only entry in a source's score history.
type ScoreSnapshot struct {
	ID           int64     `json:"id,omitempty"`
	EntityID     string    `json:"entity_id"`
	SourceID     string    `json:"source_id"`
	Score        float64   `json:"score"`
	RecordedAt   time.Time `json:"recorded_at"`
	ChangeReason string    `json:"change_reason"`
}

// Source is a connected external service contributing signals for an entity.
type Source struct {
	EntityID    string    `json:"entity_id"`
	SourceID    string    `json:"source_id"`
	Category    Category  `json:"category"`
	Active      bool      `json:"active"`
	ConnectedAt time.Time `json:"connected_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
