// Package ews builds the early-warning summaries: one rollup per course,
// one per (student, course), and the at-risk result set derived from the
// externally hosted prediction model.
package ews

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"ews-server/db"
	"ews-server/derive"
	"ews-server/logger"
	"ews-server/models"
	"ews-server/pii"
	"ews-server/predictions"
	"ews-server/utils"
)

// ZScoreWarningThreshold gates inclusion in GetEWSResults. It is applied to
// the z-score, while the per-student status label is computed from the raw
// predicted percent — two independent rules, kept decoupled on purpose.
const ZScoreWarningThreshold = -1.0

const summaryConcurrency = 4

// Service holds the summarizer's collaborators.
type Service struct {
	pool        *pgxpool.Pool
	cipher      *pii.Cipher
	predictions *predictions.Client
	log         *logger.Logger
}

func New(pool *pgxpool.Pool, cipher *pii.Cipher, pred *predictions.Client, log *logger.Logger) *Service {
	return &Service{
		pool:        pool,
		cipher:      cipher,
		predictions: pred,
		log:         log.With("component", "ews"),
	}
}

// StatusForPercent labels a raw predicted percent.
func StatusForPercent(p float64) string {
	switch {
	case p <= 69:
		return models.StatusDanger
	case p <= 79:
		return models.StatusWarning
	default:
		return models.StatusSuccess
	}
}

// UpdateEWSData rebuilds every course and actor summary, then dispatches a
// best-effort prediction refresh per course. Refresh results arrive later
// via the webhook; a refresh failure never fails this call.
func (s *Service) UpdateEWSData(ctx context.Context) error {
	courses, err := db.GetKnownCourses(ctx, s.pool)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryConcurrency)
	for _, course := range courses {
		course := course
		g.Go(func() error {
			if err := s.buildCourseSummary(gctx, course.CourseID); err != nil {
				s.log.Error("course summary failed, continuing", "course_id", course.CourseID, "error", err)
				db.LogPipelineError(gctx, s.pool, "ews.courseSummary", course.CourseID, "", err.Error())
			}
			if err := s.buildActorSummaries(gctx, course.CourseID); err != nil {
				s.log.Error("actor summaries failed, continuing", "course_id", course.CourseID, "error", err)
				db.LogPipelineError(gctx, s.pool, "ews.actorSummaries", course.CourseID, "", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, course := range courses {
		s.predictions.RefreshAsync(course.CourseID)
	}
	return nil
}

func (s *Service) courseAssignments(ctx context.Context, courseID string) ([]models.Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT assignment_id, name FROM assignments WHERE course_id = $1 ORDER BY assignment_id
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		a := models.Assignment{CourseID: courseID}
		if err := rows.Scan(&a.AssignmentID, &a.Name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Service) buildCourseSummary(ctx context.Context, courseID string) error {
	assignments, err := s.courseAssignments(ctx, courseID)
	if err != nil {
		return err
	}

	// One zeroed rollup per known assignment; each statistic below fills
	// in independently so a missing input leaves its zeros in place.
	rollups := make([]models.AssignmentRollup, 0, len(assignments))
	for _, a := range assignments {
		rollups = append(rollups, models.AssignmentRollup{AssignmentID: a.AssignmentID, Name: a.Name})
	}
	index := make(map[string]int, len(rollups))
	for i, r := range rollups {
		index[r.AssignmentID] = i
	}

	avgInteractionDays, err := s.avgInteractionDays(ctx, courseID)
	if err != nil {
		return err
	}
	avgPercentSeen, err := s.avgPercentSeen(ctx, courseID)
	if err != nil {
		return err
	}

	// Average score per assignment, and the course-wide mean over the
	// assignments that have valid score arrays. Invalid entries are
	// excluded, not zeroed.
	var assignmentAverages []float64
	scoreRows, err := s.pool.Query(ctx, `
		SELECT assignment_id, scores FROM calc_assignment_scores WHERE course_id = $1
	`, courseID)
	if err != nil {
		return err
	}
	defer scoreRows.Close()
	for scoreRows.Next() {
		var assignmentID string
		var payload []byte
		if err := scoreRows.Scan(&assignmentID, &payload); err != nil {
			return err
		}
		var scores []float64
		if err := json.Unmarshal(payload, &scores); err != nil {
			return err
		}
		if len(scores) == 0 {
			continue
		}
		avg := derive.Mean(scores)
		assignmentAverages = append(assignmentAverages, avg)
		if i, ok := index[assignmentID]; ok {
			rollups[i].AvgScore = avg
		}
	}
	if err := scoreRows.Err(); err != nil {
		return err
	}
	avgCoursePercent := derive.Mean(assignmentAverages)

	if err := s.fillCourseTimeRollups(ctx, courseID, rollups, index); err != nil {
		return err
	}

	summary := models.CourseSummary{
		CourseID:           courseID,
		Assignments:        rollups,
		AvgCoursePercent:   avgCoursePercent,
		AvgInteractionDays: avgInteractionDays,
		AvgPercentSeen:     avgPercentSeen,
		// TODO: promote status beyond insufficient-data once product
		// defines course-level success/warning/danger cutoffs.
		Status:      models.StatusInsufficientData,
		LastUpdated: time.Now().UTC(),
	}

	payload, err := json.Marshal(summary.Assignments)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO course_summaries (course_id, assignments, avg_course_percent, avg_interaction_days, avg_percent_seen, status, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (course_id) DO UPDATE SET
			assignments = EXCLUDED.assignments,
			avg_course_percent = EXCLUDED.avg_course_percent,
			avg_interaction_days = EXCLUDED.avg_interaction_days,
			avg_percent_seen = EXCLUDED.avg_percent_seen,
			status = EXCLUDED.status,
			last_updated = EXCLUDED.last_updated
	`, summary.CourseID, payload, summary.AvgCoursePercent, summary.AvgInteractionDays,
		summary.AvgPercentSeen, summary.Status, summary.LastUpdated)
	return err
}

func (s *Service) avgInteractionDays(ctx context.Context, courseID string) (float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT days FROM calc_interaction_days WHERE course_id = $1`, courseID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var values []float64
	for rows.Next() {
		var days int
		if err := rows.Scan(&days); err != nil {
			return 0, err
		}
		values = append(values, float64(days))
	}
	return derive.Mean(values), rows.Err()
}

func (s *Service) avgPercentSeen(ctx context.Context, courseID string) (float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT seen, unseen FROM calc_student_activity WHERE course_id = $1`, courseID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var values []float64
	for rows.Next() {
		var seenJSON, unseenJSON []byte
		if err := rows.Scan(&seenJSON, &unseenJSON); err != nil {
			return 0, err
		}
		var seen, unseen []string
		if err := json.Unmarshal(seenJSON, &seen); err != nil {
			return 0, err
		}
		if err := json.Unmarshal(unseenJSON, &unseen); err != nil {
			return 0, err
		}
		total := len(seen) + len(unseen)
		if total == 0 {
			continue
		}
		values = append(values, float64(len(seen))/float64(total)*100)
	}
	return derive.Mean(values), rows.Err()
}

// fillCourseTimeRollups fills the per-assignment time-on-task and
// time-in-review averages (minutes per student with a score record).
func (s *Service) fillCourseTimeRollups(ctx context.Context, courseID string, rollups []models.AssignmentRollup, index map[string]int) error {
	counts := make(map[string]float64)
	countRows, err := s.pool.Query(ctx, `
		SELECT assignment_id, COUNT(*) FROM assignment_scores WHERE course_id = $1 GROUP BY assignment_id
	`, courseID)
	if err != nil {
		return err
	}
	defer countRows.Close()
	for countRows.Next() {
		var assignmentID string
		var n int64
		if err := countRows.Scan(&assignmentID, &n); err != nil {
			return err
		}
		counts[assignmentID] = float64(n)
	}
	if err := countRows.Err(); err != nil {
		return err
	}

	taskRows, err := s.pool.Query(ctx, `
		SELECT assignment_id, SUM(total_seconds) FROM calc_time_on_task WHERE course_id = $1 GROUP BY assignment_id
	`, courseID)
	if err != nil {
		return err
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var assignmentID string
		var totalSeconds float64
		if err := taskRows.Scan(&assignmentID, &totalSeconds); err != nil {
			return err
		}
		if i, ok := index[assignmentID]; ok && counts[assignmentID] > 0 {
			rollups[i].AvgTimeOnTask = totalSeconds / counts[assignmentID] / 60
		}
	}
	if err := taskRows.Err(); err != nil {
		return err
	}

	reviewRows, err := s.pool.Query(ctx, `
		SELECT assignment_id, SUM(total_minutes), COUNT(DISTINCT student_id)
		FROM calc_review_times WHERE course_id = $1 GROUP BY assignment_id
	`, courseID)
	if err != nil {
		return err
	}
	defer reviewRows.Close()
	for reviewRows.Next() {
		var assignmentID string
		var totalMinutes float64
		var students int64
		if err := reviewRows.Scan(&assignmentID, &totalMinutes, &students); err != nil {
			return err
		}
		if i, ok := index[assignmentID]; ok && students > 0 {
			rollups[i].AvgTimeInReview = totalMinutes / float64(students)
		}
	}
	return reviewRows.Err()
}

type studentAssignmentKey struct {
	studentID    string
	assignmentID string
}

func (s *Service) buildActorSummaries(ctx context.Context, courseID string) error {
	assignments, err := s.courseAssignments(ctx, courseID)
	if err != nil {
		return err
	}
	totalAssignments := len(assignments)

	// Encrypted email per student id; the email doubles as the summary's
	// name field.
	names := make(map[string]string)
	enrollRows, err := s.pool.Query(ctx, `SELECT student_id, email FROM enrollments WHERE course_id = $1`, courseID)
	if err != nil {
		return err
	}
	defer enrollRows.Close()
	for enrollRows.Next() {
		var studentID, email string
		if err := enrollRows.Scan(&studentID, &email); err != nil {
			return err
		}
		names[studentID] = email
	}
	if err := enrollRows.Err(); err != nil {
		return err
	}

	percents := make(map[studentAssignmentKey]string)
	students := make(map[string]struct{})
	scoreRows, err := s.pool.Query(ctx, `
		SELECT student_id, assignment_id, percent_correct FROM assignment_scores WHERE course_id = $1
	`, courseID)
	if err != nil {
		return err
	}
	defer scoreRows.Close()
	for scoreRows.Next() {
		var key studentAssignmentKey
		var percent string
		if err := scoreRows.Scan(&key.studentID, &key.assignmentID, &percent); err != nil {
			return err
		}
		percents[key] = percent
		students[key.studentID] = struct{}{}
	}
	if err := scoreRows.Err(); err != nil {
		return err
	}

	taskSeconds := make(map[studentAssignmentKey]float64)
	taskRows, err := s.pool.Query(ctx, `
		SELECT student_id, assignment_id, time_on_task FROM question_scores WHERE course_id = $1
	`, courseID)
	if err != nil {
		return err
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var key studentAssignmentKey
		var raw string
		if err := taskRows.Scan(&key.studentID, &key.assignmentID, &raw); err != nil {
			return err
		}
		if seconds, ok := utils.ClockToSeconds(raw); ok {
			taskSeconds[key] += seconds
		}
	}
	if err := taskRows.Err(); err != nil {
		return err
	}

	reviewMinutes := make(map[studentAssignmentKey]float64)
	reviewRows, err := s.pool.Query(ctx, `
		SELECT student_id, assignment_id, SUM(total_minutes)
		FROM calc_review_times WHERE course_id = $1 GROUP BY student_id, assignment_id
	`, courseID)
	if err != nil {
		return err
	}
	defer reviewRows.Close()
	for reviewRows.Next() {
		var key studentAssignmentKey
		var minutes float64
		if err := reviewRows.Scan(&key.studentID, &key.assignmentID, &minutes); err != nil {
			return err
		}
		reviewMinutes[key] = minutes
	}
	if err := reviewRows.Err(); err != nil {
		return err
	}

	percentSeen := make(map[string][]float64)
	activityRows, err := s.pool.Query(ctx, `SELECT student_id, seen, unseen FROM calc_student_activity WHERE course_id = $1`, courseID)
	if err != nil {
		return err
	}
	defer activityRows.Close()
	for activityRows.Next() {
		var studentID string
		var seenJSON, unseenJSON []byte
		if err := activityRows.Scan(&studentID, &seenJSON, &unseenJSON); err != nil {
			return err
		}
		var seen, unseen []string
		if err := json.Unmarshal(seenJSON, &seen); err != nil {
			return err
		}
		if err := json.Unmarshal(unseenJSON, &unseen); err != nil {
			return err
		}
		if total := len(seen) + len(unseen); total > 0 {
			percentSeen[studentID] = append(percentSeen[studentID], float64(len(seen))/float64(total)*100)
		}
	}
	if err := activityRows.Err(); err != nil {
		return err
	}

	interactionDays := make(map[string]int)
	dayRows, err := s.pool.Query(ctx, `SELECT student_id, days FROM calc_interaction_days WHERE course_id = $1`, courseID)
	if err != nil {
		return err
	}
	defer dayRows.Close()
	for dayRows.Next() {
		var studentID string
		var days int
		if err := dayRows.Scan(&studentID, &days); err != nil {
			return err
		}
		interactionDays[studentID] = days
	}
	if err := dayRows.Err(); err != nil {
		return err
	}

	// Every enrolled student gets a summary, even before their first score
	// record exists.
	for studentID := range names {
		students[studentID] = struct{}{}
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for studentID := range students {
		rollups, validPercentSum := buildRollups(studentID, assignments, percents, taskSeconds, reviewMinutes)

		// The denominator is the course's total assignment count, so a
		// never-attempted assignment counts as zero. That is the one
		// intentional zero-coercion in the pipeline.
		coursePercent := 0.0
		if totalAssignments > 0 {
			coursePercent = validPercentSum / float64(totalAssignments)
		}

		summary := models.ActorSummary{
			CourseID:        courseID,
			StudentID:       studentID,
			Name:            names[studentID],
			Assignments:     rollups,
			PercentSeen:     derive.Mean(percentSeen[studentID]),
			InteractionDays: interactionDays[studentID],
			CoursePercent:   coursePercent,
			LastUpdated:     now,
		}
		payload, err := json.Marshal(summary.Assignments)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO actor_summaries (course_id, student_id, name, assignments, percent_seen, interaction_days, course_percent, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (course_id, student_id) DO UPDATE SET
				name = EXCLUDED.name,
				assignments = EXCLUDED.assignments,
				percent_seen = EXCLUDED.percent_seen,
				interaction_days = EXCLUDED.interaction_days,
				course_percent = EXCLUDED.course_percent,
				last_updated = EXCLUDED.last_updated
		`, summary.CourseID, summary.StudentID, summary.Name, payload,
			summary.PercentSeen, summary.InteractionDays, summary.CoursePercent, summary.LastUpdated)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// buildRollups assembles one student's per-assignment rollups and the sum of
// their valid percent scores. Invalid or missing percents contribute nothing
// to the sum and leave a zero score on their rollup.
func buildRollups(studentID string, assignments []models.Assignment, percents map[studentAssignmentKey]string, taskSeconds, reviewMinutes map[studentAssignmentKey]float64) ([]models.AssignmentRollup, float64) {
	rollups := make([]models.AssignmentRollup, 0, len(assignments))
	var validPercentSum float64
	for _, a := range assignments {
		key := studentAssignmentKey{studentID, a.AssignmentID}
		rollup := models.AssignmentRollup{
			AssignmentID:    a.AssignmentID,
			Name:            a.Name,
			AvgTimeOnTask:   taskSeconds[key] / 60,
			AvgTimeInReview: reviewMinutes[key],
		}
		if v, ok := utils.ParsePercent(percents[key]); ok {
			rollup.AvgScore = v
			validPercentSum += v
		}
		rollups = append(rollups, rollup)
	}
	return rollups, validPercentSum
}

// GetEWSResults returns the at-risk students of a course: those whose
// predicted percent sits more than one standard deviation below the course
// mean. In privacy mode the name field stays encrypted.
func (s *Service) GetEWSResults(ctx context.Context, courseID string, privacyMode bool) ([]models.EWSResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT student_id, name, latest_predicted_percent
		FROM actor_summaries
		WHERE course_id = $1 AND latest_predicted_percent IS NOT NULL
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type predicted struct {
		studentID string
		name      string
		percent   float64
	}
	var all []predicted
	for rows.Next() {
		var p predicted
		if err := rows.Scan(&p.studentID, &p.name, &p.percent); err != nil {
			return nil, err
		}
		all = append(all, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return []models.EWSResult{}, nil
	}

	values := make([]float64, len(all))
	for i, p := range all {
		values[i] = p.percent
	}
	mean := derive.Mean(values)
	stdDev := derive.PopStdDev(values)
	if stdDev == 0 {
		// Identical predictions: no one stands out below the mean.
		return []models.EWSResult{}, nil
	}

	results := []models.EWSResult{}
	for _, p := range all {
		z := (p.percent - mean) / stdDev
		if z >= ZScoreWarningThreshold {
			continue
		}
		name := p.name
		if !privacyMode {
			plain, err := s.cipher.Decrypt(p.name)
			if err != nil {
				s.log.Warn("failed to decrypt student name", "course_id", courseID, "error", err)
			} else {
				name = plain
			}
		}
		results = append(results, models.EWSResult{
			StudentID:      p.studentID,
			Name:           name,
			EstimatedFinal: p.percent,
			CourseAvgDiff:  p.percent - mean,
			ZScore:         z,
			Status:         StatusForPercent(p.percent),
			CourseAvg:      mean,
			CourseStdDev:   stdDev,
		})
	}
	return results, nil
}

// UpdateEWSPredictions applies a webhook's prediction map. This is a bulk
// update, not an upsert: an actor with no existing summary is silently
// skipped, because the summary-build step owns row creation.
func (s *Service) UpdateEWSPredictions(ctx context.Context, courseID string, preds map[string]float64) error {
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for actorID, percent := range preds {
		batch.Queue(`
			UPDATE actor_summaries
			SET latest_predicted_percent = $1, last_updated = $2
			WHERE course_id = $3 AND student_id = $4
		`, percent, now, courseID, actorID)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}
