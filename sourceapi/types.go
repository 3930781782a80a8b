package sourceapi

import "time"

// Response shapes for the source-platform API. Field names follow the wire
// format; identifiers here are plaintext and must be encrypted before any
// persistence.

// CourseMiniSummary is the course metadata refresh payload.
type CourseMiniSummary struct {
	Name        string `json:"name"`
	UserID      string `json:"user_id"` // instructor id
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	TextbookURL string `json:"textbook_url"`
}

// AssignTo is one audience entry of an assignment. The primary due date is
// the entry whose groups include the literal group name "Everybody".
type AssignTo struct {
	Groups                  []string   `json:"groups"`
	Due                     *time.Time `json:"due"`
	FinalSubmissionDeadline *time.Time `json:"final_submission_deadline"`
}

// AssignmentInfo is one entry of the course assignment list.
type AssignmentInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	NumQuestions int        `json:"num_questions"`
	AssignTos    []AssignTo `json:"assign_tos"`
}

// EnrollmentInfo is one student enrollment. EnrollmentDate uses the
// platform's "MMMM dd, yyyy" format.
type EnrollmentInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	EnrollmentDate string `json:"enrollment_date"`
}

// ScoreColumn is one question column header. The label carries the max
// score as a parenthetical suffix, e.g. "Question 3 (10)".
type ScoreColumn struct {
	QuestionID string `json:"question_id"`
	Label      string `json:"label"`
}

// ScoreRow is one student's row of an assignment score table. Cells maps
// question id to the raw "<score> (<m:ss>)" cell.
type ScoreRow struct {
	UserID         string            `json:"userId"`
	PercentCorrect string            `json:"percent_correct"`
	TotalPoints    string            `json:"total_points"`
	Cells          map[string]string `json:"cells"`
}

// ScoreTable is the row-per-student score snapshot for one assignment.
type ScoreTable struct {
	Columns []ScoreColumn `json:"columns"`
	Rows    []ScoreRow    `json:"rows"`
}

// SubmissionWindow holds a question's first/last submission timestamps.
type SubmissionWindow struct {
	FirstSubmittedAt *time.Time `json:"first_submitted_at"`
	LastSubmittedAt  *time.Time `json:"last_submitted_at"`
}

// ReviewEvent is one raw review interval, keyed by student email.
type ReviewEvent struct {
	Email      string    `json:"email"`
	QuestionID string    `json:"question_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Framework is one entry of the global competency taxonomy listing.
type Framework struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FrameworkRef is a descriptor or level reference.
type FrameworkRef struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// FrameworkAlignment binds one question to taxonomy descriptors and levels.
type FrameworkAlignment struct {
	CourseID     string         `json:"course_id"`
	AssignmentID string         `json:"assignment_id"`
	QuestionID   string         `json:"question_id"`
	Descriptors  []FrameworkRef `json:"descriptors"`
	Levels       []FrameworkRef `json:"levels"`
}

// FrameworkDetail is one framework with its question alignments.
type FrameworkDetail struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Alignments []FrameworkAlignment `json:"alignments"`
}
