// Package maturity classifies how much an entity's score can be trusted and
// gates which kinds of language downstream consumers may surface.
package maturity

import "github.com/sells-group/fusionscore/internal/model"

// Tier is a maturity stage.
type Tier string

const (
	Observe Tier = "observe"
	Analyze Tier = "analyze"
	Predict Tier = "predict"
)

// Thresholds for tier classification.
const (
	MinSnapshotsAnalyze  = 5
	MinSnapshotsPredict  = 14
	MinConfidencePredict = 0.7
	MaxVariancePredict   = 10.0
)

// Feature is a class of downstream output gated by tier.
type Feature string

const (
	// Descriptive states what happened.
	Descriptive Feature = "descriptive"
	// Comparative relates the entity to its own past or to peers.
	Comparative Feature = "comparative"
	// ForwardLooking makes projections.
	ForwardLooking Feature = "forward_looking"
)

// Classify returns the tier for the given signals. It is a pure function of
// its inputs and recomputed on every call, so a regressing entity is demoted.
func Classify(origin model.ScoreOrigin, snapshots int, variance, confidence float64) Tier {
	if origin != model.OriginComputed || snapshots < MinSnapshotsAnalyze {
		return Observe
	}
	if confidence >= MinConfidencePredict && variance < MaxVariancePredict && snapshots >= MinSnapshotsPredict {
		return Predict
	}
	return Analyze
}

// Rank orders tiers, observe lowest.
func (t Tier) Rank() int {
	switch t {
	case Predict:
		return 2
	case Analyze:
		return 1
	default:
		return 0
	}
}

// Permits reports whether output of kind f may be shown at this tier.
func (t Tier) Permits(f Feature) bool {
	switch f {
	case Descriptive:
		return true
	case Comparative:
		return t.Rank() >= Analyze.Rank()
	case ForwardLooking:
		return t == Predict
	default:
		return false
	}
}

// Features lists everything the tier permits.
func (t Tier) Features() []Feature {
	var out []Feature
	for _, f := range []Feature{Descriptive, Comparative, ForwardLooking} {
		if t.Permits(f) {
			out = append(out, f)
		}
	}
	return out
}
