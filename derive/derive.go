// Package derive rebuilds the calc collections from the raw collections.
// Jobs run in a fixed order — two of them read another job's output — and
// every job fully recomputes its table: replace on key match, insert on no
// match, so re-running after new raw data is equivalent to running once.
package derive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ews-server/db"
	"ews-server/logger"
	"ews-server/models"
	"ews-server/utils"
)

// Engine runs the derivation jobs against the shared storage handle.
type Engine struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func New(pool *pgxpool.Pool, log *logger.Logger) *Engine {
	return &Engine{pool: pool, log: log.With("component", "derive")}
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

// jobs returns the derivation jobs in execution order. studentActivity must
// run after adaptScores and textbookTotalInteractions after
// textbookInteractionsByDate; each reads the other's output table.
func (e *Engine) jobs() []job {
	return []job{
		{"interactionDays", e.interactionDays},
		{"gradeDistribution", e.gradeDistribution},
		{"submissionsByDate", e.submissionsByDate},
		{"adaptScores", e.adaptScores},
		{"studentActivity", e.studentActivity},
		{"textbookActivityTime", e.textbookActivityTime},
		{"textbookInteractionsByDate", e.textbookInteractionsByDate},
		{"textbookTotalInteractions", e.textbookTotalInteractions},
		{"reviewTime", e.reviewTime},
		{"timeOnTask", e.timeOnTask},
	}
}

// RunProcessors runs every job in order. A failed job is logged and the run
// proceeds: downstream jobs tolerate missing inputs by producing empty
// output. Returns false if any job failed.
func (e *Engine) RunProcessors(ctx context.Context) bool {
	ok := true
	for _, j := range e.jobs() {
		start := time.Now()
		if err := j.run(ctx); err != nil {
			ok = false
			e.log.Error("job failed, continuing", "job", j.name, "error", err)
			db.LogPipelineError(ctx, e.pool, "derive."+j.name, "", "", err.Error())
			continue
		}
		e.log.Info("job finished", "job", j.name, "took", time.Since(start))
	}
	return ok
}

type courseStudentKey struct {
	courseID  string
	studentID string
}

type courseAssignmentKey struct {
	courseID     string
	assignmentID string
}

type actorTextbookKey struct {
	actorID     string
	textbookURL string
}

// Job 1: distinct calendar days on which a student submitted anything in a
// course, from either end of the question submission window.
func (e *Engine) interactionDays(ctx context.Context) error {
	rows, err := e.pool.Query(ctx, `
		SELECT course_id, student_id, first_submitted_at, last_submitted_at
		FROM question_scores
		WHERE first_submitted_at IS NOT NULL OR last_submitted_at IS NOT NULL
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	days := make(map[courseStudentKey]map[string]struct{})
	for rows.Next() {
		var key courseStudentKey
		var first, last *time.Time
		if err := rows.Scan(&key.courseID, &key.studentID, &first, &last); err != nil {
			return err
		}
		set, found := days[key]
		if !found {
			set = make(map[string]struct{})
			days[key] = set
		}
		if first != nil {
			set[utils.DateKey(*first)] = struct{}{}
		}
		if last != nil {
			set[utils.DateKey(*last)] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for key, set := range days {
		batch.Queue(`
			INSERT INTO calc_interaction_days (course_id, student_id, days)
			VALUES ($1, $2, $3)
			ON CONFLICT (course_id, student_id) DO UPDATE SET days = EXCLUDED.days
		`, key.courseID, key.studentID, len(set))
	}
	return e.pool.SendBatch(ctx, batch).Close()
}

// Job 2: letter-grade array per course from valid percent-correct values.
func (e *Engine) gradeDistribution(ctx context.Context) error {
	rows, err := e.pool.Query(ctx, `SELECT course_id, percent_correct FROM assignment_scores`)
	if err != nil {
		return err
	}
	defer rows.Close()

	grades := make(map[string][]string)
	for rows.Next() {
		var courseID, percent string
		if err := rows.Scan(&courseID, &percent); err != nil {
			return err
		}
		v, ok := utils.ParsePercent(percent)
		if !ok {
			continue // sentinel or junk: excluded, not zero
		}
		grades[courseID] = append(grades[courseID], GradeLetter(v))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for courseID, letters := range grades {
		payload, err := json.Marshal(letters)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO calc_grade_distribution (course_id, grades)
			VALUES ($1, $2)
			ON CONFLICT (course_id) DO UPDATE SET grades = EXCLUDED.grades
		`, courseID, payload)
	}
	return e.pool.SendBatch(ctx, batch).Close()
}

// Job 3: submissions-per-day histogram per (course, assignment), keyed on
// each question's first submission date.
func (e *Engine) submissionsByDate(ctx context.Context) error {
	rows, err := e.pool.Query(ctx, `
		SELECT course_id, assignment_id, first_submitted_at
		FROM question_scores
		WHERE first_submitted_at IS NOT NULL
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	histograms := make(map[courseAssignmentKey]map[string]int)
	for rows.Next() {
		var key courseAssignmentKey
		var first time.Time
		if err := rows.Scan(&key.courseID, &key.assignmentID, &first); err != nil {
			return err
		}
		h, found := histograms[key]
		if !found {
			h = make(map[string]int)
			histograms[key] = h
		}
		h[utils.DateKey(first)]++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for key, counts := range histograms {
		payload, err := json.Marshal(counts)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO calc_submissions_by_date (course_id, assignment_id, counts)
			VALUES ($1, $2, $3)
			ON CONFLICT (course_id, assignment_id) DO UPDATE SET counts = EXCLUDED.counts
		`, key.courseID, key.assignmentID, payload)
	}
	return e.pool.SendBatch(ctx, batch).Close()
}

// Job 4: per-(course, assignment) array of valid percent scores.
func (e *Engine) adaptScores(ctx context.Context) error {
	rows, err := e.pool.Query(ctx, `SELECT course_id, assignment_id, percent_correct FROM assignment_scores`)
	if err != nil {
		return err
	}
	defer rows.Close()

	scores := make(map[courseAssignmentKey][]float64)
	for rows.Next() {
		var key courseAssignmentKey
		var percent string
		if err := rows.Scan(&key.courseID, &key.assignmentID, &percent); err != nil {
			return err
		}
		if v, ok := utils.ParsePercent(percent); ok {
			scores[key] = append(scores[key], v)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for key, values := range scores {
		payload, err := json.Marshal(values)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO calc_assignment_scores (course_id, assignment_id, scores)
			VALUES ($1, $2, $3)
			ON CONFLICT (course_id, assignment_id) DO UPDATE SET scores = EXCLUDED.scores
		`, key.courseID, key.assignmentID, payload)
	}
	return e.pool.SendBatch(ctx, batch).Close()
}

// Job 5: seen/unseen question coverage per (course, assignment, student).
// Iterates the adaptScores output: on a fresh store that yields no rows and
// this job is a no-op, which is the intended data dependency.
func (e *Engine) studentActivity(ctx context.Context) error {
	keys, err := e.calcAssignmentKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		questionIDs, err := e.assignmentQuestionIDs(ctx, key)
		if err != nil {
			return err
		}
		seenByStudent, err := e.seenQuestions(ctx, key)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for studentID, seenSet := range seenByStudent {
			seen, unseen := partitionSeen(questionIDs, seenSet)
			seenJSON, err := json.Marshal(seen)
			if err != nil {
				return err
			}
			unseenJSON, err := json.Marshal(unseen)
			if err != nil {
				return err
			}
			batch.Queue(`
				INSERT INTO calc_student_activity (course_id, assignment_id, student_id, seen, unseen)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (course_id, assignment_id, student_id) DO UPDATE SET
					seen = EXCLUDED.seen,
					unseen = EXCLUDED.unseen
			`, key.courseID, key.assignmentID, studentID, seenJSON, unseenJSON)
		}
		if err := e.pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) calcAssignmentKeys(ctx context.Context) ([]courseAssignmentKey, error) {
	rows, err := e.pool.Query(ctx, `SELECT course_id, assignment_id FROM calc_assignment_scores`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []courseAssignmentKey
	for rows.Next() {
		var key courseAssignmentKey
		if err := rows.Scan(&key.courseID, &key.assignmentID); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (e *Engine) assignmentQuestionIDs(ctx context.Context, key courseAssignmentKey) ([]string, error) {
	var payload []byte
	err := e.pool.QueryRow(ctx, `
		SELECT question_ids FROM assignments WHERE course_id = $1 AND assignment_id = $2
	`, key.courseID, key.assignmentID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// questionSeen reports whether a student engaged with a question: a recorded
// submission or a non-sentinel score. Empty cells normalize to the sentinel
// at collection time, so a never-attempted question never counts as seen.
func questionSeen(submissions int, score string) bool {
	return submissions > 0 || score != utils.Sentinel
}

// partitionSeen splits an assignment's question ids into seen and unseen,
// preserving the assignment's question order.
func partitionSeen(questionIDs []string, seenSet map[string]struct{}) (seen, unseen []string) {
	seen = make([]string, 0, len(seenSet))
	unseen = make([]string, 0, len(questionIDs))
	for _, qid := range questionIDs {
		if _, ok := seenSet[qid]; ok {
			seen = append(seen, qid)
		} else {
			unseen = append(unseen, qid)
		}
	}
	return seen, unseen
}

// seenQuestions maps student id to the set of question ids the student has
// engaged with.
func (e *Engine) seenQuestions(ctx context.Context, key courseAssignmentKey) (map[string]map[string]struct{}, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT student_id, question_id, score, submission_count
		FROM question_scores
		WHERE course_id = $1 AND assignment_id = $2
	`, key.courseID, key.assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]struct{})
	for rows.Next() {
		var studentID, questionID, score string
		var submissions int
		if err := rows.Scan(&studentID, &questionID, &score, &submissions); err != nil {
			return nil, err
		}
		set, found := out[studentID]
		if !found {
			set = make(map[string]struct{})
			out[studentID] = set
		}
		if questionSeen(submissions, score) {
			set[questionID] = struct{}{}
		}
	}
	return out, rows.Err()
}

// Job 6: total reading seconds per (actor, textbook) from the external
// event log.
func (e *Engine) textbookActivityTime(ctx context.Context) error {
	rows, err := e.pool.Query(ctx, `SELECT actor_id, textbook_url, seconds FROM textbook_events`)
	if err != nil {
		return err
	}
	defer rows.Close()

	totals := make(map[actorTextbookKey]float64)
	for rows.Next() {
		var ev models.TextbookEvent
		if err := rows.Scan(&ev.ActorID, &ev.TextbookURL, &ev.Seconds); err != nil {
			return err
		}
		totals[actorTextbookKey{ev.ActorID, ev.TextbookURL}] += ev.Seconds
	}
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for key, total := range totals {
		batch.Queue(`
			INSERT INTO calc_textbook_activity_time (actor_id, textbook_url, total_seconds)
			VALUES ($1, $2, $3)
			ON CONFLICT (actor_id, textbook_url) DO UPDATE SET total_seconds = EXCLUDED.total_seconds
		`, key.actorID, key.textbookURL, total)
	}
	return e.pool.SendBatch(ctx, batch).Close()
}

// Job 7: reading interaction counts per (actor, textbook, day).
func (e *Engine) textbookInteractionsByDate(ctx context.Context) error {
	rows, err := e.pool.Query(ctx, `SELECT actor_id, textbook_url, occurred_at FROM textbook_events`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type dateKey struct {
		actorTextbookKey
		date string
	}
	counts := make(map[dateKey]int)
	for rows.Next() {
		var ev models.TextbookEvent
		if err := rows.Scan(&ev.ActorID, &ev.TextbookURL, &ev.OccurredAt); err != nil {
			return err
		}
		key := actorTextbookKey{ev.ActorID, ev.TextbookURL}
		counts[dateKey{key, utils.DateKey(ev.OccurredAt)}]++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for key, count := range counts {
		batch.Queue(`
			INSERT INTO calc_textbook_interactions_by_date (actor_id, textbook_url, date, count)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (actor_id, textbook_url, date) DO UPDATE SET count = EXCLUDED.count
		`, key.actorID, key.textbookURL, key.date, count)
	}
	return e.pool.SendBatch(ctx, batch).Close()
}

// Job 8: total interaction counts per (actor, textbook), summed from the
// job-7 output.
func (e *Engine) textbookTotalInteractions(ctx context.Context) error {
	rows, err := e.pool.Query(ctx, `SELECT actor_id, textbook_url, count FROM calc_textbook_interactions_by_date`)
	if err != nil {
		return err
	}
	defer rows.Close()

	totals := make(map[actorTextbookKey]int)
	for rows.Next() {
		var key actorTextbookKey
		var count int
		if err := rows.Scan(&key.actorID, &key.textbookURL, &count); err != nil {
			return err
		}
		totals[key] += count
	}
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for key, total := range totals {
		batch.Queue(`
			INSERT INTO calc_textbook_total_interactions (actor_id, textbook_url, total)
			VALUES ($1, $2, $3)
			ON CONFLICT (actor_id, textbook_url) DO UPDATE SET total = EXCLUDED.total
		`, key.actorID, key.textbookURL, total)
	}
	return e.pool.SendBatch(ctx, batch).Close()
}

// reviewDurations converts a student's review intervals to minutes, grouped
// per question id. Negative durations from out-of-order timestamps are kept;
// the upper-only outlier fence is the only filter review time gets.
func reviewDurations(intervals []models.ReviewInterval) map[string][]float64 {
	out := make(map[string][]float64, len(intervals))
	for _, iv := range intervals {
		out[iv.QuestionID] = append(out[iv.QuestionID], iv.ReviewTimeEnd.Sub(iv.ReviewTimeStart).Minutes())
	}
	return out
}

// Job 9: total review minutes per (course, assignment, student, question),
// with upper outliers removed from each group before summing.
func (e *Engine) reviewTime(ctx context.Context) error {
	rows, err := e.pool.Query(ctx, `SELECT course_id, assignment_id, student_id, questions FROM review_times`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type reviewKey struct {
		courseID     string
		assignmentID string
		studentID    string
		questionID   string
	}
	durations := make(map[reviewKey][]float64)
	for rows.Next() {
		var courseID, assignmentID, studentID string
		var payload []byte
		if err := rows.Scan(&courseID, &assignmentID, &studentID, &payload); err != nil {
			return err
		}
		var intervals []models.ReviewInterval
		if err := json.Unmarshal(payload, &intervals); err != nil {
			return err
		}
		for questionID, minutes := range reviewDurations(intervals) {
			key := reviewKey{courseID, assignmentID, studentID, questionID}
			durations[key] = append(durations[key], minutes...)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for key, values := range durations {
		kept := FilterOutliers(values, true)
		total := 0.0
		for _, v := range kept {
			total += v
		}
		batch.Queue(`
			INSERT INTO calc_review_times (course_id, assignment_id, student_id, question_id, total_minutes)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (course_id, assignment_id, student_id, question_id) DO UPDATE SET
				total_minutes = EXCLUDED.total_minutes
		`, key.courseID, key.assignmentID, key.studentID, key.questionID, total)
	}
	return e.pool.SendBatch(ctx, batch).Close()
}

// Job 10: total time-on-task seconds per (course, assignment, question).
// Sentinel time strings contribute nothing.
func (e *Engine) timeOnTask(ctx context.Context) error {
	rows, err := e.pool.Query(ctx, `SELECT course_id, assignment_id, question_id, time_on_task FROM question_scores`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type questionKey struct {
		courseID     string
		assignmentID string
		questionID   string
	}
	totals := make(map[questionKey]float64)
	for rows.Next() {
		var key questionKey
		var raw string
		if err := rows.Scan(&key.courseID, &key.assignmentID, &key.questionID, &raw); err != nil {
			return err
		}
		seconds, ok := utils.ClockToSeconds(raw)
		if !ok {
			continue
		}
		totals[key] += seconds
	}
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for key, total := range totals {
		batch.Queue(`
			INSERT INTO calc_time_on_task (course_id, assignment_id, question_id, total_seconds)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (course_id, assignment_id, question_id) DO UPDATE SET
				total_seconds = EXCLUDED.total_seconds
		`, key.courseID, key.assignmentID, key.questionID, total)
	}
	return e.pool.SendBatch(ctx, batch).Close()
}
