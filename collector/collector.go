// Package collector pulls raw usage data from the source platform into the
// raw collections. Stages run in a fixed order because each stage's output
// is read by the next; items within a stage run concurrently and fail
// independently.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"ews-server/db"
	"ews-server/logger"
	"ews-server/models"
	"ews-server/pii"
	"ews-server/sourceapi"
	"ews-server/utils"
)

// primaryGroup names the assignment audience whose due date is the primary
// one.
const primaryGroup = "Everybody"

const stageConcurrency = 8

// Collector orchestrates the seven collection stages.
type Collector struct {
	pool   *pgxpool.Pool
	source *sourceapi.Client
	cipher *pii.Cipher
	log    *logger.Logger

	// devLockCourseID, when set, restricts the run to a single course.
	devLockCourseID string
}

func New(pool *pgxpool.Pool, source *sourceapi.Client, cipher *pii.Cipher, log *logger.Logger, devLockCourseID string) *Collector {
	return &Collector{
		pool:            pool,
		source:          source,
		cipher:          cipher,
		log:             log.With("component", "collector"),
		devLockCourseID: devLockCourseID,
	}
}

// RunCollectors runs every stage in its fixed order. A stage error aborts
// the remaining stages for this run — later stages read what earlier stages
// wrote — but per-item failures inside a stage never propagate this far.
func (c *Collector) RunCollectors(ctx context.Context) error {
	if err := c.updateCourseData(ctx); err != nil {
		return fmt.Errorf("updateCourseData: %w", err)
	}
	if err := c.collectAllAssignments(ctx); err != nil {
		return fmt.Errorf("collectAllAssignments: %w", err)
	}
	if err := c.collectEnrollments(ctx); err != nil {
		return fmt.Errorf("collectEnrollments: %w", err)
	}
	if err := c.collectAssignmentScores(ctx); err != nil {
		return fmt.Errorf("collectAssignmentScores: %w", err)
	}
	// Must run after collectAssignmentScores: it patches timestamps into
	// rows that stage wrote.
	if err := c.collectSubmissionTimestamps(ctx); err != nil {
		return fmt.Errorf("collectSubmissionTimestamps: %w", err)
	}
	if err := c.collectFrameworkData(ctx); err != nil {
		return fmt.Errorf("collectFrameworkData: %w", err)
	}
	if err := c.collectReviewTimeData(ctx); err != nil {
		return fmt.Errorf("collectReviewTimeData: %w", err)
	}
	return nil
}

// courses returns the working set for a stage, honoring the dev lock.
func (c *Collector) courses(ctx context.Context) ([]models.Course, error) {
	all, err := db.GetKnownCourses(ctx, c.pool)
	if err != nil {
		return nil, err
	}
	if c.devLockCourseID == "" {
		return all, nil
	}
	for _, course := range all {
		if course.CourseID == c.devLockCourseID {
			return []models.Course{course}, nil
		}
	}
	return nil, nil
}

// forEachCourse fans fn out over the working set with settle-all semantics:
// an item failure is logged and recorded, and its siblings keep running.
func (c *Collector) forEachCourse(ctx context.Context, stage string, courses []models.Course, fn func(ctx context.Context, course models.Course) error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stageConcurrency)
	for _, course := range courses {
		course := course
		g.Go(func() error {
			if err := fn(gctx, course); err != nil {
				c.log.Error("course failed, continuing", "stage", stage, "course_id", course.CourseID, "error", err)
				db.LogPipelineError(gctx, c.pool, stage, course.CourseID, "", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stage 1: refresh course metadata for all known courses.
func (c *Collector) updateCourseData(ctx context.Context) error {
	courses, err := c.courses(ctx)
	if err != nil {
		return err
	}
	c.forEachCourse(ctx, "updateCourseData", courses, func(ctx context.Context, course models.Course) error {
		conn := c.source.ForCourse(course.CourseID)
		ms, err := conn.GetCourseMiniSummary(ctx, course.CourseID)
		if err != nil {
			return err
		}
		_, err = c.pool.Exec(ctx, `
			INSERT INTO courses (course_id, instructor_id, name, start_date, end_date, textbook_url, is_known)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE)
			ON CONFLICT (course_id) DO UPDATE SET
				instructor_id = EXCLUDED.instructor_id,
				name = EXCLUDED.name,
				start_date = EXCLUDED.start_date,
				end_date = EXCLUDED.end_date,
				textbook_url = EXCLUDED.textbook_url,
				is_known = TRUE
		`, course.CourseID, ms.UserID, ms.Name, ms.StartDate, ms.EndDate, ms.TextbookURL)
		return err
	})
	return nil
}

// Stage 2: fetch assignment lists, plus one score snapshot per assignment
// solely to discover the ordered set of question ids. Score values are not
// persisted here.
func (c *Collector) collectAllAssignments(ctx context.Context) error {
	courses, err := c.courses(ctx)
	if err != nil {
		return err
	}
	c.forEachCourse(ctx, "collectAllAssignments", courses, func(ctx context.Context, course models.Course) error {
		if course.InstructorID == "" {
			return nil
		}
		conn := c.source.ForInstructor(course.InstructorID)
		assignments, err := conn.GetCourseAssignments(ctx, course.CourseID)
		if err != nil {
			return err
		}
		for _, a := range assignments {
			due, deadline := primaryDueDates(a.AssignTos)

			questionIDs := []string{}
			snapshotOK := false
			table, err := conn.GetAssignmentScores(ctx, a.ID)
			if err != nil {
				c.log.Warn("score snapshot failed, keeping previously stored question ids",
					"course_id", course.CourseID, "assignment_id", a.ID, "error", err)
				db.LogPipelineError(ctx, c.pool, "collectAllAssignments", course.CourseID, a.ID, err.Error())
			} else {
				snapshotOK = true
				for _, col := range table.Columns {
					questionIDs = append(questionIDs, col.QuestionID)
				}
			}
			qids, err := json.Marshal(questionIDs)
			if err != nil {
				return err
			}
			// A failed snapshot must not wipe question ids collected on an
			// earlier run; the conflict update keeps the prior value.
			_, err = c.pool.Exec(ctx, `
				INSERT INTO assignments (course_id, assignment_id, name, num_questions, question_ids, due_date, final_submission_deadline)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (course_id, assignment_id) DO UPDATE SET
					name = EXCLUDED.name,
					num_questions = EXCLUDED.num_questions,
					question_ids = CASE WHEN $8::boolean THEN EXCLUDED.question_ids ELSE assignments.question_ids END,
					due_date = EXCLUDED.due_date,
					final_submission_deadline = EXCLUDED.final_submission_deadline
			`, course.CourseID, a.ID, a.Name, a.NumQuestions, qids, due, deadline, snapshotOK)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// primaryDueDates picks the assign_to entry whose groups include the
// "Everybody" group.
func primaryDueDates(assignTos []sourceapi.AssignTo) (due, deadline *time.Time) {
	for _, at := range assignTos {
		if utils.ContainsString(at.Groups, primaryGroup) {
			return at.Due, at.FinalSubmissionDeadline
		}
	}
	return nil, nil
}

// Stage 3: fetch and encrypt student identities per course.
func (c *Collector) collectEnrollments(ctx context.Context) error {
	courses, err := c.courses(ctx)
	if err != nil {
		return err
	}
	c.forEachCourse(ctx, "collectEnrollments", courses, func(ctx context.Context, course models.Course) error {
		conn := c.source.ForCourse(course.CourseID)
		enrollments, err := conn.GetCourseEnrollments(ctx, course.CourseID)
		if err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, e := range enrollments {
			encEmail, err := c.cipher.Encrypt(e.Email)
			if err != nil {
				return err
			}
			encID, err := c.cipher.Encrypt(e.ID)
			if err != nil {
				return err
			}
			encName, err := c.cipher.Encrypt(e.Name)
			if err != nil {
				return err
			}
			var createdAt *time.Time
			if t, err := time.Parse(utils.EnrollmentDateLayout, e.EnrollmentDate); err == nil {
				createdAt = &t
			} else {
				c.log.Warn("unparsable enrollment date, storing null",
					"course_id", course.CourseID, "raw", e.EnrollmentDate)
			}
			batch.Queue(`
				INSERT INTO enrollments (course_id, email, student_id, name, created_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (email, course_id) DO UPDATE SET
					student_id = EXCLUDED.student_id,
					name = EXCLUDED.name,
					created_at = EXCLUDED.created_at
			`, course.CourseID, encEmail, encID, encName, createdAt)
		}
		return c.pool.SendBatch(ctx, batch).Close()
	})
	return nil
}

// Stage 4: fetch full score tables and persist per-student, per-question
// score records. Submission timestamps are left for stage 5 to patch in.
func (c *Collector) collectAssignmentScores(ctx context.Context) error {
	courses, err := c.courses(ctx)
	if err != nil {
		return err
	}
	c.forEachCourse(ctx, "collectAssignmentScores", courses, func(ctx context.Context, course models.Course) error {
		if course.InstructorID == "" {
			return nil
		}
		assignmentIDs, err := c.courseAssignmentIDs(ctx, course.CourseID)
		if err != nil {
			return err
		}
		conn := c.source.ForInstructor(course.InstructorID)
		for _, assignmentID := range assignmentIDs {
			if err := c.collectScoresForAssignment(ctx, conn, course.CourseID, assignmentID); err != nil {
				c.log.Error("assignment failed, continuing",
					"stage", "collectAssignmentScores", "course_id", course.CourseID,
					"assignment_id", assignmentID, "error", err)
				db.LogPipelineError(ctx, c.pool, "collectAssignmentScores", course.CourseID, assignmentID, err.Error())
			}
		}
		return nil
	})
	return nil
}

func (c *Collector) collectScoresForAssignment(ctx context.Context, conn *sourceapi.Connector, courseID, assignmentID string) error {
	table, err := conn.GetAssignmentScores(ctx, assignmentID)
	if err != nil {
		return err
	}

	// Max score per question comes from the "Label (N)" column headers.
	maxScores := make(map[string]string, len(table.Columns))
	for _, col := range table.Columns {
		maxScores[col.QuestionID] = utils.ParseMaxScoreLabel(col.Label)
	}

	// Per-question submission counts live on a separate endpoint. A failed
	// question leaves its counts at zero and does not abort the table.
	subCounts := make(map[string]map[string]int, len(table.Columns))
	for _, col := range table.Columns {
		counts, err := conn.GetAssignmentAutoGradedSubmissions(ctx, assignmentID, col.QuestionID)
		if err != nil {
			c.log.Warn("submission counts unavailable",
				"assignment_id", assignmentID, "question_id", col.QuestionID, "error", err)
			continue
		}
		subCounts[col.QuestionID] = counts
	}

	batch := &pgx.Batch{}
	for _, row := range table.Rows {
		studentID, err := c.cipher.Encrypt(row.UserID)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO assignment_scores (course_id, assignment_id, student_id, percent_correct, total_points)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (student_id, assignment_id, course_id) DO UPDATE SET
				percent_correct = EXCLUDED.percent_correct,
				total_points = EXCLUDED.total_points
		`, courseID, assignmentID, studentID,
			utils.NormalizeSentinel(row.PercentCorrect), utils.NormalizeSentinel(row.TotalPoints))

		for _, col := range table.Columns {
			score, timeOnTask := utils.ParseScoreCell(row.Cells[col.QuestionID])
			// The conflict update deliberately leaves first/last
			// submission timestamps alone; stage 5 owns them.
			batch.Queue(`
				INSERT INTO question_scores (course_id, assignment_id, student_id, question_id, score, time_on_task, max_score, submission_count)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (student_id, assignment_id, course_id, question_id) DO UPDATE SET
					score = EXCLUDED.score,
					time_on_task = EXCLUDED.time_on_task,
					max_score = EXCLUDED.max_score,
					submission_count = EXCLUDED.submission_count
			`, courseID, assignmentID, studentID, col.QuestionID,
				score, timeOnTask, maxScores[col.QuestionID], subCounts[col.QuestionID][row.UserID])
		}
	}
	return c.pool.SendBatch(ctx, batch).Close()
}

// Stage 5: patch first/last submission timestamps into the question records
// stage 4 wrote. This is an update on the matching question entry, never an
// insert.
func (c *Collector) collectSubmissionTimestamps(ctx context.Context) error {
	courses, err := c.courses(ctx)
	if err != nil {
		return err
	}
	c.forEachCourse(ctx, "collectSubmissionTimestamps", courses, func(ctx context.Context, course models.Course) error {
		if course.InstructorID == "" {
			return nil
		}
		assignmentIDs, err := c.courseAssignmentIDs(ctx, course.CourseID)
		if err != nil {
			return err
		}
		conn := c.source.ForInstructor(course.InstructorID)
		for _, assignmentID := range assignmentIDs {
			timestamps, err := conn.GetSubmissionTimestamps(ctx, assignmentID)
			if err != nil {
				c.log.Error("assignment failed, continuing",
					"stage", "collectSubmissionTimestamps", "course_id", course.CourseID,
					"assignment_id", assignmentID, "error", err)
				db.LogPipelineError(ctx, c.pool, "collectSubmissionTimestamps", course.CourseID, assignmentID, err.Error())
				continue
			}
			batch := &pgx.Batch{}
			for userID, questions := range timestamps {
				studentID, err := c.cipher.Encrypt(userID)
				if err != nil {
					return err
				}
				for questionID, window := range questions {
					batch.Queue(`
						UPDATE question_scores
						SET first_submitted_at = $1, last_submitted_at = $2
						WHERE student_id = $3 AND assignment_id = $4 AND course_id = $5 AND question_id = $6
					`, window.FirstSubmittedAt, window.LastSubmittedAt, studentID, assignmentID, course.CourseID, questionID)
				}
			}
			if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// Stage 6: fetch the global framework taxonomy once, using any known
// instructor's credentials. The taxonomy is global, not per-course.
func (c *Collector) collectFrameworkData(ctx context.Context) error {
	courses, err := c.courses(ctx)
	if err != nil {
		return err
	}
	var instructorID string
	for _, course := range courses {
		if course.InstructorID != "" {
			instructorID = course.InstructorID
			break
		}
	}
	if instructorID == "" {
		c.log.Warn("no known instructor, skipping framework collection")
		return nil
	}

	conn := c.source.ForInstructor(instructorID)
	frameworks, err := conn.GetFrameworks(ctx)
	if err != nil {
		return err
	}
	for _, fw := range frameworks {
		detail, err := conn.GetFramework(ctx, fw.ID)
		if err != nil {
			c.log.Error("framework failed, continuing", "framework_id", fw.ID, "error", err)
			db.LogPipelineError(ctx, c.pool, "collectFrameworkData", "", fw.ID, err.Error())
			continue
		}
		batch := &pgx.Batch{}
		for _, al := range detail.Alignments {
			descriptors, err := json.Marshal(al.Descriptors)
			if err != nil {
				return err
			}
			levels, err := json.Marshal(al.Levels)
			if err != nil {
				return err
			}
			batch.Queue(`
				INSERT INTO framework_alignments (course_id, assignment_id, question_id, descriptors, levels)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (course_id, assignment_id, question_id) DO UPDATE SET
					descriptors = EXCLUDED.descriptors,
					levels = EXCLUDED.levels
			`, al.CourseID, al.AssignmentID, al.QuestionID, descriptors, levels)
		}
		if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return nil
}

// Stage 7: fetch raw review intervals, resolve each event's email to an
// enrolled student id, and group intervals into one document per
// (course, assignment, student). Events with no resolvable student are
// dropped, never stored with a blank key.
func (c *Collector) collectReviewTimeData(ctx context.Context) error {
	courses, err := c.courses(ctx)
	if err != nil {
		return err
	}
	c.forEachCourse(ctx, "collectReviewTimeData", courses, func(ctx context.Context, course models.Course) error {
		studentByEmail, err := c.enrollmentIndex(ctx, course.CourseID)
		if err != nil {
			return err
		}
		assignmentIDs, err := c.courseAssignmentIDs(ctx, course.CourseID)
		if err != nil {
			return err
		}
		conn := c.source.ForCourse(course.CourseID)
		for _, assignmentID := range assignmentIDs {
			events, err := conn.GetAssignmentReviewHistory(ctx, assignmentID)
			if err != nil {
				c.log.Error("assignment failed, continuing",
					"stage", "collectReviewTimeData", "course_id", course.CourseID,
					"assignment_id", assignmentID, "error", err)
				db.LogPipelineError(ctx, c.pool, "collectReviewTimeData", course.CourseID, assignmentID, err.Error())
				continue
			}

			grouped, dropped, err := c.groupReviewEvents(events, studentByEmail)
			if err != nil {
				return err
			}
			if dropped > 0 {
				c.log.Warn("dropped review events with no matching enrollment",
					"course_id", course.CourseID, "assignment_id", assignmentID, "dropped", dropped)
			}

			batch := &pgx.Batch{}
			for studentID, intervals := range grouped {
				questions, err := json.Marshal(intervals)
				if err != nil {
					return err
				}
				batch.Queue(`
					INSERT INTO review_times (course_id, assignment_id, student_id, questions)
					VALUES ($1, $2, $3, $4)
					ON CONFLICT (course_id, assignment_id, student_id) DO UPDATE SET
						questions = EXCLUDED.questions
				`, course.CourseID, assignmentID, studentID, questions)
			}
			if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// groupReviewEvents resolves each event's email to an enrolled student and
// groups its interval per student. Events with no resolvable student are
// dropped, never stored with a blank key; the count of drops is returned for
// the caller to log.
func (c *Collector) groupReviewEvents(events []sourceapi.ReviewEvent, studentByEmail map[string]string) (map[string][]models.ReviewInterval, int, error) {
	grouped := make(map[string][]models.ReviewInterval)
	dropped := 0
	for _, ev := range events {
		encEmail, err := c.cipher.Encrypt(ev.Email)
		if err != nil {
			return nil, 0, err
		}
		studentID, ok := studentByEmail[encEmail]
		if !ok {
			dropped++
			continue
		}
		grouped[studentID] = append(grouped[studentID], models.ReviewInterval{
			QuestionID:      ev.QuestionID,
			ReviewTimeStart: ev.CreatedAt,
			ReviewTimeEnd:   ev.UpdatedAt,
		})
	}
	return grouped, dropped, nil
}

func (c *Collector) courseAssignmentIDs(ctx context.Context, courseID string) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT assignment_id FROM assignments WHERE course_id = $1 ORDER BY assignment_id`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// enrollmentIndex maps encrypted email to encrypted student id for one
// course. Deterministic encryption makes the ciphertext a usable join key.
func (c *Collector) enrollmentIndex(ctx context.Context, courseID string) (map[string]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT email, student_id FROM enrollments WHERE course_id = $1`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var email, studentID string
		if err := rows.Scan(&email, &studentID); err != nil {
			return nil, err
		}
		out[email] = studentID
	}
	return out, rows.Err()
}
