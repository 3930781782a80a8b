// Package sourceapi holds the typed connectors for the external
// course-platform API. A connector is scoped to one course or one
// instructor, exchanges the service API key for a short-lived signed token,
// and caches that token until it expires.
package sourceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ews-server/config"
	"ews-server/logger"
)

const (
	scopeCourse     = "course"
	scopeInstructor = "instructor"

	// Used when the login response token carries no readable expiry.
	defaultTokenTTL = 25 * time.Minute
)

// Client is the connector factory. It carries the shared credentials and
// HTTP client; per-scope connectors are cheap to create and cache their own
// token.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *logger.Logger
}

// New validates the source-platform configuration and builds the factory.
// Missing credentials are fatal here: nothing downstream can run without
// them.
func New(cfg config.SourceConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("missing source platform base URL")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing source platform API key")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		log:     log.With("client", "sourceapi"),
	}, nil
}

// ForCourse returns a connector authenticated for one course.
func (c *Client) ForCourse(courseID string) *Connector {
	return &Connector{client: c, scope: scopeCourse, scopeID: courseID}
}

// ForInstructor returns a connector authenticated for one instructor.
func (c *Client) ForInstructor(instructorID string) *Connector {
	return &Connector{client: c, scope: scopeInstructor, scopeID: instructorID}
}

// Connector is a scoped, token-caching view of the source platform.
type Connector struct {
	client  *Client
	scope   string
	scopeID string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

type loginRequest struct {
	APIKey  string `json:"api_key"`
	Scope   string `json:"scope"`
	ScopeID string `json:"scope_id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// login exchanges the API key for a signed bearer token scoped to this
// connector. The platform signs with HMAC and a ~30 minute expiry; the exp
// claim is read without verifying the signature (the platform holds the
// key) so the cache knows when to re-login.
func (sc *Connector) login(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{APIKey: sc.client.apiKey, Scope: sc.scope, ScopeID: sc.scopeID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.client.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("source platform login failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source platform login returned %d for %s %s", resp.StatusCode, sc.scope, sc.scopeID)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("source platform login response malformed: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("source platform login returned empty token")
	}

	sc.token = lr.Token
	sc.tokenExp = time.Now().Add(defaultTokenTTL)
	if claims, err := parseExpiry(lr.Token); err == nil {
		// Renew a minute early rather than racing the expiry.
		sc.tokenExp = claims.Add(-time.Minute)
	}
	return nil
}

func parseExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

func (sc *Connector) bearer(ctx context.Context) (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.token == "" || time.Now().After(sc.tokenExp) {
		if err := sc.login(ctx); err != nil {
			return "", err
		}
	}
	return sc.token, nil
}

func (sc *Connector) invalidate() {
	sc.mu.Lock()
	sc.token = ""
	sc.mu.Unlock()
}

// get performs an authenticated GET and decodes the JSON body into out. A
// 401 triggers exactly one re-login attempt, not a retry loop.
func (sc *Connector) get(ctx context.Context, path string, out interface{}) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := sc.bearer(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.client.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := sc.client.http.Do(req)
		if err != nil {
			return fmt.Errorf("GET %s: %w", path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			sc.client.log.Warn("source platform returned 401, re-logging in", "scope", sc.scope, "scope_id", sc.scopeID)
			sc.invalidate()
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s returned %d", path, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("GET %s: malformed response: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("GET %s: unauthorized after re-login", path)
}

// GetCourseMiniSummary fetches display metadata for one course.
func (sc *Connector) GetCourseMiniSummary(ctx context.Context, courseID string) (*CourseMiniSummary, error) {
	var out CourseMiniSummary
	if err := sc.get(ctx, "/courses/"+url.PathEscape(courseID)+"/mini_summary", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCourseAssignments fetches the assignment list for one course.
func (sc *Connector) GetCourseAssignments(ctx context.Context, courseID string) ([]AssignmentInfo, error) {
	var out []AssignmentInfo
	if err := sc.get(ctx, "/courses/"+url.PathEscape(courseID)+"/assignments", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCourseEnrollments fetches the student roster for one course.
func (sc *Connector) GetCourseEnrollments(ctx context.Context, courseID string) ([]EnrollmentInfo, error) {
	var out []EnrollmentInfo
	if err := sc.get(ctx, "/courses/"+url.PathEscape(courseID)+"/enrollments", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAssignmentScores fetches the row-per-student score table.
func (sc *Connector) GetAssignmentScores(ctx context.Context, assignmentID string) (*ScoreTable, error) {
	var out ScoreTable
	if err := sc.get(ctx, "/assignments/"+url.PathEscape(assignmentID)+"/scores", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAssignmentAutoGradedSubmissions fetches per-user submission counts for
// one question.
func (sc *Connector) GetAssignmentAutoGradedSubmissions(ctx context.Context, assignmentID, questionID string) (map[string]int, error) {
	out := map[string]int{}
	path := "/assignments/" + url.PathEscape(assignmentID) + "/questions/" + url.PathEscape(questionID) + "/auto_graded_submissions"
	if err := sc.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSubmissionTimestamps fetches, per user, each question's first/last
// submission timestamps.
func (sc *Connector) GetSubmissionTimestamps(ctx context.Context, assignmentID string) (map[string]map[string]SubmissionWindow, error) {
	out := map[string]map[string]SubmissionWindow{}
	if err := sc.get(ctx, "/assignments/"+url.PathEscape(assignmentID)+"/submission_timestamps", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAssignmentReviewHistory fetches raw review interval events.
func (sc *Connector) GetAssignmentReviewHistory(ctx context.Context, assignmentID string) ([]ReviewEvent, error) {
	var out []ReviewEvent
	if err := sc.get(ctx, "/assignments/"+url.PathEscape(assignmentID)+"/review_history", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetFrameworks lists the global competency taxonomy.
func (sc *Connector) GetFrameworks(ctx context.Context) ([]Framework, error) {
	var out []Framework
	if err := sc.get(ctx, "/frameworks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetFramework fetches one framework with its question alignments.
func (sc *Connector) GetFramework(ctx context.Context, id string) (*FrameworkDetail, error) {
	var out FrameworkDetail
	if err := sc.get(ctx, "/frameworks/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
