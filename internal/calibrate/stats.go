package calibrate

import "math"

// DefaultVarianceSignal is reported when a series carries no usable signal.
const DefaultVarianceSignal = 0.5

// Mean returns the arithmetic mean, or 0 for an empty series.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Variance returns the population variance mean((x-μ)²).
func Variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mu := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return ss / float64(len(xs))
}

// StdDev returns the population standard deviation.
func StdDev(xs []float64) float64 {
	return math.Sqrt(Variance(xs))
}

// VarianceSignal returns the coefficient of variation σ/μ clamped to [0, 1].
// Series with a non-positive mean have no signal and report 0.5.
func VarianceSignal(xs []float64) float64 {
	mu := Mean(xs)
	if len(xs) == 0 || mu <= 0 {
		return DefaultVarianceSignal
	}
	return math.Min(StdDev(xs)/mu, 1.0)
}

// SeriesStats summarizes a score series.
type SeriesStats struct {
	N        int     `json:"n"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"std_dev"`
	Signal   float64 `json:"signal"`
}

// Describe computes SeriesStats for xs.
func Describe(xs []float64) SeriesStats {
	v := Variance(xs)
	return SeriesStats{
		N:        len(xs),
		Mean:     Mean(xs),
		Variance: v,
		StdDev:   math.Sqrt(v),
		Signal:   VarianceSignal(xs),
	}
}

// Deltas returns successive differences x[i]-x[i-1].
func Deltas(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		out[i-1] = xs[i] - xs[i-1]
	}
	return out
}
