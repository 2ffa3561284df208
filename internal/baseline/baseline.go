// Package baseline estimates a user's rolling mean and standard deviation for
// a metric.
package baseline

import (
	"math"

	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

// DefaultMinPoints is the smallest series a baseline is computed from.
const DefaultMinPoints = 5

// Stats summarizes a series.
type Stats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Count  int     `json:"count"`
}

// Estimate computes population mean and standard deviation with the default
// minimum. ok is false when the series is too short.
func Estimate(series vitals.Series) (Stats, bool) {
	return EstimateMin(series, DefaultMinPoints)
}

// EstimateMin is Estimate with a stricter minimum point count. Values below
// DefaultMinPoints are raised to it.
func EstimateMin(series vitals.Series, minPoints int) (Stats, bool) {
	if minPoints < DefaultMinPoints {
		minPoints = DefaultMinPoints
	}
	n := len(series)
	if n < minPoints {
		return Stats{Count: n}, false
	}

	var sum float64
	for _, p := range series {
		sum += p.Value
	}
	mean := sum / float64(n)

	var sq float64
	for _, p := range series {
		d := p.Value - mean
		sq += d * d
	}

	return Stats{
		Mean:   mean,
		StdDev: math.Sqrt(sq / float64(n)),
		Count:  n,
	}, true
}

// ZScore returns |x - mean| / stddev. ok is false when stddev is zero.
func (s Stats) ZScore(x float64) (float64, bool) {
	if s.StdDev == 0 {
		return 0, false
	}
	return math.Abs(x-s.Mean) / s.StdDev, true
}

// Range returns [mean - k*stddev, mean + k*stddev].
func (s Stats) Range(k float64) (lo, hi float64) {
	return s.Mean - k*s.StdDev, s.Mean + k*s.StdDev
}
