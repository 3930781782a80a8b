package ews

import (
	"math"
	"testing"

	"ews-server/derive"
	"ews-server/models"
)

func TestStatusForPercent(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{100, models.StatusSuccess},
		{80, models.StatusSuccess},
		{79, models.StatusWarning},
		{70, models.StatusWarning},
		{69, models.StatusDanger},
		{50, models.StatusDanger},
		{0, models.StatusDanger},
	}
	for _, tt := range tests {
		if got := StatusForPercent(tt.percent); got != tt.want {
			t.Errorf("StatusForPercent(%v) = %q, want %q", tt.percent, got, tt.want)
		}
	}
}

// The inclusion rule (z-score against the course cohort) and the status
// label (raw percent cutoffs) are independent. A student can clear the
// danger cutoff and still be flagged, or sit below it and not stand out.
func TestZScoreInclusionExample(t *testing.T) {
	cohort := []float64{90, 80, 40}
	mean := derive.Mean(cohort)
	stdDev := derive.PopStdDev(cohort)

	if mean != 70 {
		t.Fatalf("cohort mean = %v, want 70", mean)
	}
	if math.Abs(stdDev-21.602468994692867) > 1e-9 {
		t.Fatalf("cohort stddev = %v", stdDev)
	}

	z40 := (40 - mean) / stdDev
	if z40 >= ZScoreWarningThreshold {
		t.Errorf("z=%v for the 40%% student should be below the threshold", z40)
	}
	if got := StatusForPercent(40); got != models.StatusDanger {
		t.Errorf("40%% should label danger, got %q", got)
	}

	z90 := (90 - mean) / stdDev
	if z90 < ZScoreWarningThreshold {
		t.Errorf("z=%v for the 90%% student should not be flagged", z90)
	}

	// 65 is danger by percent but only z ≈ -0.23 against this cohort, so
	// it would not be included in the at-risk list.
	z65 := (65 - mean) / stdDev
	if z65 < ZScoreWarningThreshold {
		t.Errorf("z=%v for a 65%% student should not cross the inclusion threshold", z65)
	}
	if got := StatusForPercent(65); got != models.StatusDanger {
		t.Errorf("65%% should still label danger, got %q", got)
	}
}

func TestBuildRollups(t *testing.T) {
	assignments := []models.Assignment{
		{CourseID: "c1", AssignmentID: "a1", Name: "Lab 1"},
		{CourseID: "c1", AssignmentID: "a2", Name: "Lab 2"},
		{CourseID: "c1", AssignmentID: "a3", Name: "Lab 3"},
	}
	percents := map[studentAssignmentKey]string{
		{"sid-1", "a1"}: "80%",
		{"sid-1", "a2"}: "-", // sentinel: excluded from the sum, zero rollup score
	}
	taskSeconds := map[studentAssignmentKey]float64{
		{"sid-1", "a1"}: 120,
	}
	reviewMinutes := map[studentAssignmentKey]float64{
		{"sid-1", "a1"}: 7.5,
	}

	rollups, validPercentSum := buildRollups("sid-1", assignments, percents, taskSeconds, reviewMinutes)
	if len(rollups) != 3 {
		t.Fatalf("rollups = %d, want one per assignment", len(rollups))
	}
	if validPercentSum != 80 {
		t.Errorf("validPercentSum = %v, want 80", validPercentSum)
	}
	if r := rollups[0]; r.AssignmentID != "a1" || r.Name != "Lab 1" || r.AvgScore != 80 || r.AvgTimeOnTask != 2 || r.AvgTimeInReview != 7.5 {
		t.Errorf("unexpected a1 rollup: %+v", r)
	}
	if r := rollups[1]; r.AvgScore != 0 || r.AvgTimeOnTask != 0 {
		t.Errorf("sentinel percent must leave a zero rollup, got %+v", r)
	}
	// The never-attempted assignment still appears, zeroed; its weight in
	// the course percent comes from the caller's total-count denominator.
	if r := rollups[2]; r.AssignmentID != "a3" || r.AvgScore != 0 {
		t.Errorf("unexpected a3 rollup: %+v", r)
	}
}
