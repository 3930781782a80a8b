package derive

import (
	"math"
	"sort"
)

// Percentile computes the p-quantile (0..1) of values using linear
// interpolation between closest ranks. Values need not be sorted.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// FilterOutliers drops IQR outliers from values, preserving order of the
// survivors. With upperOnly set, only values above Q3 + 1.5*IQR are
// removed; review durations have no meaningful lower tail.
func FilterOutliers(values []float64, upperOnly bool) []float64 {
	if len(values) < 2 {
		return values
	}
	q1 := Percentile(values, 0.25)
	q3 := Percentile(values, 0.75)
	iqr := q3 - q1
	upper := q3 + 1.5*iqr
	lower := q1 - 1.5*iqr

	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v > upper {
			continue
		}
		if !upperOnly && v < lower {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Mean averages values. Empty input yields zero; callers exclude invalid
// entries before calling, never coerce them to zero.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PopStdDev computes the population standard deviation of values.
func PopStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// GradeLetter buckets a percent score into a letter grade.
func GradeLetter(percent float64) string {
	switch {
	case percent >= 90:
		return "A"
	case percent >= 80:
		return "B"
	case percent >= 70:
		return "C"
	case percent >= 60:
		return "D"
	default:
		return "F"
	}
}
