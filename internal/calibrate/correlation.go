package calibrate

import (
	"math"
	"sort"
)

// minAligned is the fewest shared observations a correlation is computed from.
const minAligned = 3

// Series is a metric's normalized values keyed by capture time (unix nanos).
type Series map[int64]float64

// Values returns the series values in capture order.
func (s Series) Values() []float64 {
	keys := make([]int64, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]float64, len(keys))
	for i, k := range keys {
		out[i] = s[k]
	}
	return out
}

// Pearson returns the correlation coefficient of two equal-length series, or
// 0 when it is undefined.
func Pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n != len(ys) || n < minAligned {
		return 0
	}
	mx, my := Mean(xs), Mean(ys)
	var sxy, sxx, syy float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	r := sxy / math.Sqrt(sxx*syy)
	return math.Max(-1, math.Min(1, r))
}

// CorrelationPenalties returns, for every metric, the strongest absolute
// correlation it has with any other metric over shared capture times.
// Redundant metrics get a penalty near 1, independent ones near 0.
func CorrelationPenalties(series map[string]Series) map[string]float64 {
	names := make([]string, 0, len(series))
	for n := range series {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make(map[string]float64, len(names))
	for _, n := range names {
		out[n] = 0
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			xs, ys := align(series[names[i]], series[names[j]])
			r := math.Abs(Pearson(xs, ys))
			if r > out[names[i]] {
				out[names[i]] = r
			}
			if r > out[names[j]] {
				out[names[j]] = r
			}
		}
	}
	return out
}

func align(a, b Series) ([]float64, []float64) {
	keys := make([]int64, 0, len(a))
	for k := range a {
		if _, ok := b[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	xs := make([]float64, len(keys))
	ys := make([]float64, len(keys))
	for i, k := range keys {
		xs[i], ys[i] = a[k], b[k]
	}
	return xs, ys
}
