package collector

import (
	"testing"
	"time"

	"ews-server/logger"
	"ews-server/pii"
	"ews-server/sourceapi"
)

func TestPrimaryDueDates(t *testing.T) {
	due := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	deadline := due.Add(48 * time.Hour)
	sectionDue := due.Add(-24 * time.Hour)

	assignTos := []sourceapi.AssignTo{
		{Groups: []string{"Section A"}, Due: &sectionDue},
		{Groups: []string{"Section B", "Everybody"}, Due: &due, FinalSubmissionDeadline: &deadline},
	}
	gotDue, gotDeadline := primaryDueDates(assignTos)
	if gotDue == nil || !gotDue.Equal(due) {
		t.Errorf("due = %v, want %v", gotDue, due)
	}
	if gotDeadline == nil || !gotDeadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %v", gotDeadline, deadline)
	}
}

func TestPrimaryDueDatesNoEverybodyGroup(t *testing.T) {
	due := time.Now()
	assignTos := []sourceapi.AssignTo{
		{Groups: []string{"Section A"}, Due: &due},
	}
	gotDue, gotDeadline := primaryDueDates(assignTos)
	if gotDue != nil || gotDeadline != nil {
		t.Errorf("expected nil dates without an %q entry, got (%v, %v)", primaryGroup, gotDue, gotDeadline)
	}
	if gotDue, gotDeadline = primaryDueDates(nil); gotDue != nil || gotDeadline != nil {
		t.Errorf("expected nil dates for empty assign_to list")
	}
}

func TestGroupReviewEventsDropsUnmatched(t *testing.T) {
	cipher, err := pii.New("6368616e676520746869732070617373776f726420746f206120736563726574")
	if err != nil {
		t.Fatalf("pii.New: %v", err)
	}
	c := New(nil, nil, cipher, logger.NewNop(), "")

	encEmail, err := cipher.Encrypt("enrolled@school.edu")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	studentByEmail := map[string]string{encEmail: "sid-1"}

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	events := []sourceapi.ReviewEvent{
		{Email: "enrolled@school.edu", QuestionID: "q1", CreatedAt: start, UpdatedAt: start.Add(3 * time.Minute)},
		{Email: "enrolled@school.edu", QuestionID: "q2", CreatedAt: start, UpdatedAt: start.Add(time.Minute)},
		// No enrollment row for this email: the event must vanish, not be
		// stored under a blank student id.
		{Email: "ghost@school.edu", QuestionID: "q1", CreatedAt: start, UpdatedAt: start.Add(time.Minute)},
	}

	grouped, dropped, err := c.groupReviewEvents(events, studentByEmail)
	if err != nil {
		t.Fatalf("groupReviewEvents: %v", err)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if len(grouped) != 1 {
		t.Fatalf("grouped students = %d, want 1 (%v)", len(grouped), grouped)
	}
	intervals := grouped["sid-1"]
	if len(intervals) != 2 {
		t.Fatalf("intervals for sid-1 = %d, want 2", len(intervals))
	}
	if intervals[0].QuestionID != "q1" || !intervals[0].ReviewTimeEnd.Equal(start.Add(3*time.Minute)) {
		t.Errorf("unexpected first interval: %+v", intervals[0])
	}
}
