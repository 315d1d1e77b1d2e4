// Package scoring holds the pure decision functions: confidence math for
// learned statistics and weighted multi-factor ranking of delivery slots and
// substitute products. Nothing here errors or panics; bad input degrades to a
// neutral 0.5 or to 0.
package scoring

import "math"

// Neutral is the score for an unknown or unspecified factor.
const Neutral = 0.5

// FullSampleSize is the interval count at which sample size stops limiting
// confidence.
const FullSampleSize = 10

// Clamp01 bounds x to [0,1]. NaN maps to 0.
func Clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
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

// StdDev returns the population standard deviation.
func StdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// SampleFactor is min(n/10, 1).
func SampleFactor(n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Min(float64(n)/FullSampleSize, 1)
}

// ConsistencyFactor is max(0, 1 - cv/2) for a coefficient of variation cv.
func ConsistencyFactor(cv float64) float64 {
	if math.IsNaN(cv) || cv < 0 {
		return 0
	}
	return math.Max(0, 1-cv/2)
}

// IntervalConfidence scores how trustworthy the mean of a set of intervals
// is: SampleFactor(len) * ConsistencyFactor(stddev/mean). A non-positive mean
// gives 0.
func IntervalConfidence(intervals []float64) float64 {
	if len(intervals) == 0 {
		return 0
	}
	mean := Mean(intervals)
	if mean <= 0 {
		return 0
	}
	cv := StdDev(intervals) / mean
	return Clamp01(SampleFactor(len(intervals)) * ConsistencyFactor(cv))
}

// AvailabilityScore maps a stock or slot availability status to a score.
func AvailabilityScore(status string) float64 {
	switch status {
	case "available", "in-stock":
		return 1
	case "limited", "low-stock":
		return 0.5
	case "full", "unavailable", "out-of-stock":
		return 0
	default:
		return 0.3
	}
}

// weightedMean combines sub-scores with weights, falling back to defaults
// when the given weights are unusable. Dividing by the weight total
// re-normalizes weights that do not sum to 1.
func weightedMean(scores, weights, defaults []float64) float64 {
	total := 0.0
	for _, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			total = 0
			break
		}
		total += w
	}
	if total <= 0 {
		weights = defaults
		total = 0
		for _, w := range weights {
			total += w
		}
	}
	var sum float64
	for i, s := range scores {
		sum += weights[i] * s
	}
	return Clamp01(sum / total)
}
