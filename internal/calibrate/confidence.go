package calibrate

import "math"

// ConfidenceInput holds the data-sufficiency signals confidence is built from.
type ConfidenceInput struct {
	Snapshots   int     `json:"snapshots"`
	Metrics     int     `json:"metrics"`
	Variance    float64 `json:"variance"`
	HasComputed bool    `json:"has_computed"`
}

// ConfidenceBreakdown is an additive confidence score with each contribution
// kept separately so the audit trail can show where the value came from.
type ConfidenceBreakdown struct {
	History    float64 `json:"history"`
	Metrics    float64 `json:"metrics"`
	Stability  float64 `json:"stability"`
	Completion float64 `json:"completion"`
	Total      float64 `json:"total"`
}

// Confidence scores data sufficiency in [0, 1]:
//
//	snapshots  >=14 / >=7 / >=3  -> +0.3 / +0.2 / +0.1
//	metrics    >=20 / >=10 / >=3 -> +0.3 / +0.2 / +0.1
//	variance   <5 / <15          -> +0.2 / +0.1 (needs at least one snapshot)
//	computed score exists        -> +0.2
func Confidence(in ConfidenceInput) ConfidenceBreakdown {
	var b ConfidenceBreakdown

	switch {
	case in.Snapshots >= 14:
		b.History = 0.3
	case in.Snapshots >= 7:
		b.History = 0.2
	case in.Snapshots >= 3:
		b.History = 0.1
	}

	switch {
	case in.Metrics >= 20:
		b.Metrics = 0.3
	case in.Metrics >= 10:
		b.Metrics = 0.2
	case in.Metrics >= 3:
		b.Metrics = 0.1
	}

	if in.Snapshots > 0 && !math.IsNaN(in.Variance) {
		switch {
		case in.Variance < 5:
			b.Stability = 0.2
		case in.Variance < 15:
			b.Stability = 0.1
		}
	}

	if in.HasComputed {
		b.Completion = 0.2
	}

	b.Total = math.Max(0, math.Min(1, b.History+b.Metrics+b.Stability+b.Completion))
	return b
}
