package models

import (
	"time"
)

// Risk / summary status values.
const (
	StatusInsufficientData = "insufficient-data"
	StatusSuccess          = "success"
	StatusWarning          = "warning"
	StatusDanger           = "danger"
)

// Course is the system of record for one external course. Created when first
// discovered, refreshed by the collector, never deleted by the pipeline.
type Course struct {
	CourseID     string `json:"course_id"`
	InstructorID string `json:"instructor_id"`
	Name         string `json:"name"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	TextbookURL  string `json:"textbook_url"`
	IsKnown      bool   `json:"is_known"`
}

// Assignment belongs to a course. QuestionIDs are opaque tokens in the order
// the source platform reports them; some are numeric, some are not.
type Assignment struct {
	CourseID                string     `json:"course_id"`
	AssignmentID            string     `json:"assignment_id"`
	Name                    string     `json:"name"`
	NumQuestions            int        `json:"num_questions"`
	QuestionIDs             []string   `json:"question_ids"`
	DueDate                 *time.Time `json:"due_date"`
	FinalSubmissionDeadline *time.Time `json:"final_submission_deadline"`
}

// ReviewInterval is one raw review event for a question.
type ReviewInterval struct {
	QuestionID      string    `json:"question_id"`
	ReviewTimeStart time.Time `json:"review_time_start"`
	ReviewTimeEnd   time.Time `json:"review_time_end"`
}

// TextbookEvent is one row of the externally populated reading event log.
type TextbookEvent struct {
	ActorID     string    `json:"actor_id"`
	TextbookURL string    `json:"textbook_url"`
	OccurredAt  time.Time `json:"occurred_at"`
	Seconds     float64   `json:"seconds"`
}

// AssignmentRollup is the per-assignment shape shared by course and actor
// summaries. Times are minutes.
type AssignmentRollup struct {
	AssignmentID    string  `json:"assignment_id"`
	Name            string  `json:"name"`
	AvgScore        float64 `json:"avg_score"`
	AvgTimeOnTask   float64 `json:"avg_time_on_task"`
	AvgTimeInReview float64 `json:"avg_time_in_review"`
}

// CourseSummary is the early-warning rollup for one course.
type CourseSummary struct {
	CourseID           string             `json:"course_id"`
	Assignments        []AssignmentRollup `json:"assignments"`
	AvgCoursePercent   float64            `json:"avg_course_percent"`
	AvgInteractionDays float64            `json:"avg_interaction_days"`
	AvgPercentSeen     float64            `json:"avg_percent_seen"`
	Status             string             `json:"status"`
	LastUpdated        time.Time          `json:"last_updated"`
}

// ActorSummary mirrors CourseSummary at (student, course) grain.
// LatestPredictedPercent is written later by the prediction webhook.
type ActorSummary struct {
	CourseID               string             `json:"course_id"`
	StudentID              string             `json:"student_id"` // encrypted
	Name                   string             `json:"name"`       // encrypted email
	Assignments            []AssignmentRollup `json:"assignments"`
	PercentSeen            float64            `json:"percent_seen"`
	InteractionDays        int                `json:"interaction_days"`
	CoursePercent          float64            `json:"course_percent"`
	LatestPredictedPercent *float64           `json:"latest_predicted_percent"`
	LastUpdated            time.Time          `json:"last_updated"`
}

// EWSResult is one at-risk student row returned to the presentation layer.
type EWSResult struct {
	StudentID      string  `json:"student_id"`
	Name           string  `json:"name"`
	EstimatedFinal float64 `json:"estimated_final"`
	CourseAvgDiff  float64 `json:"course_avg_diff"`
	ZScore         float64 `json:"z_score"`
	Status         string  `json:"status"`
	CourseAvg      float64 `json:"course_avg"`
	CourseStdDev   float64 `json:"course_std_dev"`
}

// PredictionWebhook is the payload delivered by the prediction host after an
// async batch-predict refresh.
type PredictionWebhook struct {
	State       string             `json:"state" binding:"required,oneof=success error"`
	CourseID    string             `json:"course_id" binding:"required"`
	Predictions map[string]float64 `json:"predictions"`
}

// CourseSeed is one entry of courses.yaml, bootstrapping course discovery.
type CourseSeed struct {
	CourseID     string `yaml:"course_id"`
	InstructorID string `yaml:"instructor_id"`
}

// PipelineError is an entry in the pipeline_errors table.
type PipelineError struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	CourseID  string    `json:"course_id"`
	Item      string    `json:"item"`
	Message   string    `json:"message"`
}
