package derive

import (
	"testing"
	"time"

	"ews-server/logger"
	"ews-server/models"
	"ews-server/utils"
)

// studentActivity consumes the adaptScores output table, and
// textbookTotalInteractions consumes textbookInteractionsByDate's; running
// the reader first would silently derive nothing.
func TestJobOrderingKeepsReadersAfterWriters(t *testing.T) {
	e := New(nil, logger.NewNop())
	jobs := e.jobs()
	idx := func(name string) int {
		for i, j := range jobs {
			if j.name == name {
				return i
			}
		}
		t.Fatalf("job %q not registered", name)
		return -1
	}
	if idx("adaptScores") >= idx("studentActivity") {
		t.Error("studentActivity must run after adaptScores")
	}
	if idx("textbookInteractionsByDate") >= idx("textbookTotalInteractions") {
		t.Error("textbookTotalInteractions must run after textbookInteractionsByDate")
	}
}

func TestQuestionSeen(t *testing.T) {
	tests := []struct {
		submissions int
		score       string
		want        bool
	}{
		{0, utils.Sentinel, false},
		{1, utils.Sentinel, true},
		{0, "87", true},
		{3, "87", true},
		{0, "0", true},
	}
	for _, tt := range tests {
		if got := questionSeen(tt.submissions, tt.score); got != tt.want {
			t.Errorf("questionSeen(%d, %q) = %v, want %v", tt.submissions, tt.score, got, tt.want)
		}
	}

	// An empty score cell normalizes to the sentinel at collection time, so
	// a never-attempted question with no submissions stays unseen.
	score, _ := utils.ParseScoreCell("")
	if questionSeen(0, score) {
		t.Errorf("empty cell (score %q) must not count as seen", score)
	}
}

func TestPartitionSeen(t *testing.T) {
	questionIDs := []string{"q1", "q2", "q3"}
	seen, unseen := partitionSeen(questionIDs, map[string]struct{}{"q2": {}})
	if len(seen) != 1 || seen[0] != "q2" {
		t.Errorf("seen = %v, want [q2]", seen)
	}
	if len(unseen) != 2 || unseen[0] != "q1" || unseen[1] != "q3" {
		t.Errorf("unseen = %v, want [q1 q3]", unseen)
	}

	seen, unseen = partitionSeen(nil, nil)
	if len(seen) != 0 || len(unseen) != 0 {
		t.Errorf("empty inputs should partition to empty outputs, got %v / %v", seen, unseen)
	}
}

func TestReviewDurationsKeepsNegativeIntervals(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	intervals := []models.ReviewInterval{
		{QuestionID: "q1", ReviewTimeStart: start, ReviewTimeEnd: start.Add(5 * time.Minute)},
		// Out-of-order timestamps from the platform yield a negative
		// duration; it is kept, not filtered.
		{QuestionID: "q1", ReviewTimeStart: start, ReviewTimeEnd: start.Add(-2 * time.Minute)},
		{QuestionID: "q2", ReviewTimeStart: start, ReviewTimeEnd: start.Add(10 * time.Minute)},
	}

	grouped := reviewDurations(intervals)
	q1 := grouped["q1"]
	if len(q1) != 2 || q1[0] != 5 || q1[1] != -2 {
		t.Fatalf("q1 durations = %v, want [5 -2]", q1)
	}
	if q2 := grouped["q2"]; len(q2) != 1 || q2[0] != 10 {
		t.Fatalf("q2 durations = %v, want [10]", q2)
	}

	// The upper-only fence leaves the negative value in place too.
	kept := FilterOutliers(q1, true)
	if len(kept) != 2 {
		t.Errorf("upper-only filter removed a low duration: %v", kept)
	}
}
