// Package stats wraps the gonum routines the pipeline uses for batch
// statistics, with the edge-case defaults the feature builders rely on:
// empty inputs yield zeros, never panics.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean, 0 for empty input.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// StdDev returns the sample standard deviation, 0 for fewer than 2 values.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}

// Quantile returns the p-quantile (0<=p<=1) of xs using the empirical
// distribution, 0 for empty input. xs is not modified.
func Quantile(p float64, xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// Median returns the 0.5-quantile.
func Median(xs []float64) float64 {
	return Quantile(0.5, xs)
}

// IQR returns Q1, Q3 and the interquartile range.
func IQR(xs []float64) (q1, q3, iqr float64) {
	if len(xs) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	q1 = stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 = stat.Quantile(0.75, stat.Empirical, sorted, nil)
	return q1, q3, q3 - q1
}

// MinMax returns the minimum and maximum, zeros for empty input.
func MinMax(xs []float64) (min, max float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	min, max = xs[0], xs[0]
	for _, v := range xs[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// Sum returns the total of xs.
func Sum(xs []float64) float64 {
	s := 0.0
	for _, v := range xs {
		s += v
	}
	return s
}

// TrendSlope fits y = a + b*x by least squares over x = 0..n-1 and returns
// b. Fewer than 2 observations, or a degenerate fit, yield 0.
func TrendSlope(ys []float64) float64 {
	if len(ys) < 2 {
		return 0
	}
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	return SlopeXY(xs, ys)
}

// SlopeXY fits y = a + b*x by least squares and returns b, 0 on degenerate
// input (fewer than 2 points or zero x-variance).
func SlopeXY(xs, ys []float64) float64 {
	if len(xs) < 2 || len(xs) != len(ys) {
		return 0
	}
	variance := stat.Variance(xs, nil)
	if variance == 0 {
		return 0
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return Sanitize(beta)
}

// Mode returns the most frequent non-empty string, "" when none exists.
// Ties break toward the lexically smaller value for determinism.
func Mode(xs []string) string {
	counts := make(map[string]int)
	for _, v := range xs {
		if v != "" {
			counts[v]++
		}
	}
	best, bestN := "", 0
	for v, n := range counts {
		if n > bestN || (n == bestN && v < best) {
			best, bestN = v, n
		}
	}
	return best
}

// Sanitize replaces NaN and Inf with 0. The builders apply this to every
// derived value before scaling.
func Sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// SanitizeSlice replaces NaN and Inf with 0 in place and returns xs.
func SanitizeSlice(xs []float64) []float64 {
	for i, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			xs[i] = 0
		}
	}
	return xs
}
