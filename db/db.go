package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ews-server/models"
)

// InitDB initializes the PostgreSQL connection pool. The pool is the one
// explicit storage handle; it is constructed once at startup and passed into
// every component.
func InitDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// CreateSchema sets up all collections. Every table carries the unique
// compound index matching its upsert filter; the pipeline's idempotence
// depends on the storage layer enforcing these, not on application code.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schemaSQL := `
	CREATE TABLE IF NOT EXISTS courses (
		course_id TEXT PRIMARY KEY,
		instructor_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL DEFAULT '',
		end_date TEXT NOT NULL DEFAULT '',
		textbook_url TEXT NOT NULL DEFAULT '',
		is_known BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS assignments (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		num_questions INT NOT NULL DEFAULT 0,
		question_ids JSONB NOT NULL DEFAULT '[]',
		due_date TIMESTAMPTZ,
		final_submission_deadline TIMESTAMPTZ,
		UNIQUE (course_id, assignment_id)
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		email TEXT NOT NULL,
		student_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ,
		UNIQUE (email, course_id)
	);

	CREATE TABLE IF NOT EXISTS assignment_scores (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		percent_correct TEXT NOT NULL DEFAULT '-',
		total_points TEXT NOT NULL DEFAULT '-',
		UNIQUE (student_id, assignment_id, course_id)
	);

	CREATE TABLE IF NOT EXISTS question_scores (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		score TEXT NOT NULL DEFAULT '-',
		time_on_task TEXT NOT NULL DEFAULT '-',
		max_score TEXT NOT NULL DEFAULT '-',
		submission_count INT NOT NULL DEFAULT 0,
		first_submitted_at TIMESTAMPTZ,
		last_submitted_at TIMESTAMPTZ,
		UNIQUE (student_id, assignment_id, course_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS review_times (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		questions JSONB NOT NULL DEFAULT '[]',
		UNIQUE (course_id, assignment_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS framework_alignments (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		descriptors JSONB NOT NULL DEFAULT '[]',
		levels JSONB NOT NULL DEFAULT '[]',
		UNIQUE (course_id, assignment_id, question_id)
	);

	-- Externally populated reading event log; consumed by the textbook jobs.
	CREATE TABLE IF NOT EXISTS textbook_events (
		id SERIAL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		textbook_url TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		seconds DOUBLE PRECISION NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS calc_assignment_scores (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		scores JSONB NOT NULL DEFAULT '[]',
		UNIQUE (course_id, assignment_id)
	);

	CREATE TABLE IF NOT EXISTS calc_grade_distribution (
		course_id TEXT PRIMARY KEY,
		grades JSONB NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS calc_interaction_days (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		days INT NOT NULL DEFAULT 0,
		UNIQUE (course_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS calc_submissions_by_date (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		counts JSONB NOT NULL DEFAULT '{}',
		UNIQUE (course_id, assignment_id)
	);

	CREATE TABLE IF NOT EXISTS calc_student_activity (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		seen JSONB NOT NULL DEFAULT '[]',
		unseen JSONB NOT NULL DEFAULT '[]',
		UNIQUE (course_id, assignment_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS calc_textbook_activity_time (
		id SERIAL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		textbook_url TEXT NOT NULL,
		total_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		UNIQUE (actor_id, textbook_url)
	);

	CREATE TABLE IF NOT EXISTS calc_textbook_interactions_by_date (
		id SERIAL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		textbook_url TEXT NOT NULL,
		date TEXT NOT NULL,
		count INT NOT NULL DEFAULT 0,
		UNIQUE (actor_id, textbook_url, date)
	);

	CREATE TABLE IF NOT EXISTS calc_textbook_total_interactions (
		id SERIAL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		textbook_url TEXT NOT NULL,
		total INT NOT NULL DEFAULT 0,
		UNIQUE (actor_id, textbook_url)
	);

	CREATE TABLE IF NOT EXISTS calc_review_times (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		total_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
		UNIQUE (course_id, assignment_id, student_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS calc_time_on_task (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		assignment_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		total_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		UNIQUE (course_id, assignment_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS course_summaries (
		course_id TEXT PRIMARY KEY,
		assignments JSONB NOT NULL DEFAULT '[]',
		avg_course_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_interaction_days DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_percent_seen DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'insufficient-data',
		last_updated TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS actor_summaries (
		id SERIAL PRIMARY KEY,
		course_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		assignments JSONB NOT NULL DEFAULT '[]',
		percent_seen DOUBLE PRECISION NOT NULL DEFAULT 0,
		interaction_days INT NOT NULL DEFAULT 0,
		course_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		latest_predicted_percent DOUBLE PRECISION,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (course_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS pipeline_errors (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		source TEXT NOT NULL,
		course_id TEXT NOT NULL DEFAULT '',
		item TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL
	);
	`
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("error executing schema SQL: %w", err)
	}
	return nil
}

// LogPipelineError records a per-item failure. These never abort sibling
// items; the table exists so "this course has no derived data yet" can be
// explained after the fact.
func LogPipelineError(ctx context.Context, pool *pgxpool.Pool, source, courseID, item, message string) {
	_, _ = pool.Exec(ctx, `
		INSERT INTO pipeline_errors (source, course_id, item, message)
		VALUES ($1, $2, $3, $4)
	`, source, courseID, item, message)
}

// GetPipelineErrors returns the most recent per-item failures.
func GetPipelineErrors(ctx context.Context, pool *pgxpool.Pool, limit int) ([]models.PipelineError, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, timestamp, source, course_id, item, message
		FROM pipeline_errors
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline errors: %w", err)
	}
	defer rows.Close()

	var out []models.PipelineError
	for rows.Next() {
		var e models.PipelineError
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Source, &e.CourseID, &e.Item, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetKnownCourses fetches every course the pipeline knows about.
func GetKnownCourses(ctx context.Context, pool *pgxpool.Pool) ([]models.Course, error) {
	rows, err := pool.Query(ctx, `
		SELECT course_id, instructor_id, name, start_date, end_date, textbook_url, is_known
		FROM courses
		WHERE is_known = TRUE
		ORDER BY course_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query courses: %w", err)
	}
	defer rows.Close()

	var out []models.Course
	for rows.Next() {
		var c models.Course
		if err := rows.Scan(&c.CourseID, &c.InstructorID, &c.Name, &c.StartDate, &c.EndDate, &c.TextbookURL, &c.IsKnown); err != nil {
			return nil, fmt.Errorf("failed to scan course: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SeedCourses upserts the courses.yaml bootstrap entries so discovery has a
// starting set of known (course, instructor) pairs.
func SeedCourses(ctx context.Context, pool *pgxpool.Pool, seeds []models.CourseSeed) error {
	for _, s := range seeds {
		if s.CourseID == "" {
			continue
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO courses (course_id, instructor_id, is_known)
			VALUES ($1, $2, TRUE)
			ON CONFLICT (course_id) DO UPDATE SET
				instructor_id = CASE WHEN EXCLUDED.instructor_id <> '' THEN EXCLUDED.instructor_id ELSE courses.instructor_id END,
				is_known = TRUE
		`, s.CourseID, s.InstructorID)
		if err != nil {
			return fmt.Errorf("failed to seed course %s: %w", s.CourseID, err)
		}
	}
	return nil
}
