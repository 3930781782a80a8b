// Package handlers wires the HTTP surface: pipeline control, course and
// risk-summary reads, and the prediction webhook.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"ews-server/db"
	"ews-server/ews"
	"ews-server/logger"
	"ews-server/models"
)

// RunPipeline kicks off a full pipeline pass and returns immediately.
func RunPipeline(p *Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		// The run outlives the request, so it must not inherit the
		// request's context.
		runID, started := p.Run(context.Background())
		if !started {
			c.JSON(http.StatusConflict, gin.H{"error": "a pipeline run is already in progress"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "started"})
	}
}

// GetCourses lists the known courses with their summary status.
func GetCourses(pool *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := pool.Query(c.Request.Context(), `
			SELECT c.course_id, c.name, c.instructor_id,
			       COALESCE(s.status, $1), s.last_updated
			FROM courses c
			LEFT JOIN course_summaries s ON s.course_id = c.course_id
			WHERE c.is_known
			ORDER BY c.course_id
		`, models.StatusInsufficientData)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query courses"})
			return
		}
		defer rows.Close()

		type courseView struct {
			CourseID     string     `json:"course_id"`
			Name         string     `json:"name"`
			InstructorID string     `json:"instructor_id"`
			Status       string     `json:"status"`
			LastUpdated  *time.Time `json:"last_updated"`
		}
		courses := []courseView{}
		for rows.Next() {
			var v courseView
			if err := rows.Scan(&v.CourseID, &v.Name, &v.InstructorID, &v.Status, &v.LastUpdated); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan course"})
				return
			}
			courses = append(courses, v)
		}
		if err := rows.Err(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read courses"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"courses": courses})
	}
}

// GetCourseEWS returns the at-risk students of one course. Privacy mode
// (?privacy=true) leaves student names encrypted in the response.
func GetCourseEWS(svc *ews.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		courseID := c.Param("course_id")
		privacy := c.Query("privacy") == "true"
		results, err := svc.GetEWSResults(c.Request.Context(), courseID, privacy)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute risk results"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"course_id": courseID, "results": results})
	}
}

// PredictionWebhook receives the model host's prediction batches. A payload
// with state "error" is acknowledged and logged; nothing is written.
func PredictionWebhook(svc *ews.Service, pool *pgxpool.Pool, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload models.PredictionWebhook
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload: " + err.Error()})
			return
		}
		if payload.State == "error" {
			log.Warn("prediction host reported a failed batch", "course_id", payload.CourseID)
			db.LogPipelineError(c.Request.Context(), pool, "webhook.predictions", payload.CourseID, "", "prediction host reported state=error")
			c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
			return
		}
		if err := svc.UpdateEWSPredictions(c.Request.Context(), payload.CourseID, payload.Predictions); err != nil {
			log.Error("failed to apply predictions", "course_id", payload.CourseID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply predictions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "applied", "count": len(payload.Predictions)})
	}
}

// GetPipelineErrors lists recent pipeline errors, newest first.
func GetPipelineErrors(pool *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		errs, err := db.GetPipelineErrors(c.Request.Context(), pool, 200)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query pipeline errors"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"errors": errs})
	}
}
