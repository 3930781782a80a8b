package derive

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{0.25, 1.75},
		{0.5, 2.5},
		{0.75, 3.25},
		{1, 4},
	}
	for _, tt := range tests {
		if got := Percentile(values, tt.p); !almostEqual(got, tt.want) {
			t.Errorf("Percentile(%v, %v) = %v, want %v", values, tt.p, got, tt.want)
		}
	}
	if got := Percentile(nil, 0.5); got != 0 {
		t.Errorf("Percentile(nil) = %v, want 0", got)
	}
	if got := Percentile([]float64{7}, 0.5); got != 7 {
		t.Errorf("Percentile of a single value = %v, want 7", got)
	}
}

func TestPercentileUnsortedInput(t *testing.T) {
	if got := Percentile([]float64{4, 1, 3, 2}, 0.5); !almostEqual(got, 2.5) {
		t.Errorf("Percentile should sort its input: got %v, want 2.5", got)
	}
}

func TestFilterOutliersUpperOnly(t *testing.T) {
	// Q1=2, Q3=4, IQR=2, upper fence 7: the 100 goes, everything else stays.
	values := []float64{1, 2, 3, 4, 100}
	got := FilterOutliers(values, true)
	want := []float64{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("FilterOutliers(%v) = %v, want %v", values, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FilterOutliers(%v) = %v, want %v", values, got, want)
		}
	}
}

func TestFilterOutliersKeepsLowTailWhenUpperOnly(t *testing.T) {
	values := []float64{-100, 10, 11, 12, 13}
	got := FilterOutliers(values, true)
	if len(got) != 5 {
		t.Errorf("upper-only filter removed a low value: %v", got)
	}
	got = FilterOutliers(values, false)
	if len(got) != 4 || got[0] != 10 {
		t.Errorf("two-sided filter should drop the low outlier: %v", got)
	}
}

func TestFilterOutliersSmallInputs(t *testing.T) {
	if got := FilterOutliers([]float64{5}, true); len(got) != 1 {
		t.Errorf("single value must pass through: %v", got)
	}
	if got := FilterOutliers(nil, true); len(got) != 0 {
		t.Errorf("nil input must pass through: %v", got)
	}
}

func TestMean(t *testing.T) {
	if got := Mean([]float64{90, 80, 40}); !almostEqual(got, 70) {
		t.Errorf("Mean = %v, want 70", got)
	}
	if got := Mean(nil); got != 0 {
		t.Errorf("Mean(nil) = %v, want 0", got)
	}
}

func TestPopStdDev(t *testing.T) {
	// Population variance of {90, 80, 40} is (400+100+900)/3.
	want := math.Sqrt(1400.0 / 3.0)
	if got := PopStdDev([]float64{90, 80, 40}); !almostEqual(got, want) {
		t.Errorf("PopStdDev = %v, want %v", got, want)
	}
	if got := PopStdDev([]float64{5, 5, 5}); got != 0 {
		t.Errorf("PopStdDev of identical values = %v, want 0", got)
	}
	if got := PopStdDev(nil); got != 0 {
		t.Errorf("PopStdDev(nil) = %v, want 0", got)
	}
}

func TestGradeLetter(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{95, "A"},
		{90, "A"},
		{89.9, "B"},
		{80, "B"},
		{70, "C"},
		{60, "D"},
		{59.9, "F"},
		{0, "F"},
	}
	for _, tt := range tests {
		if got := GradeLetter(tt.percent); got != tt.want {
			t.Errorf("GradeLetter(%v) = %q, want %q", tt.percent, got, tt.want)
		}
	}
}
