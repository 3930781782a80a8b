package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"ews-server/logger"
)

const signingKey = "shared-webhook-secret"

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(WebhookAuth(signingKey, "prediction-host", logger.NewNop()))
	r.POST("/hook", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func signToken(t *testing.T, key, issuer string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func postWithAuth(r *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hook", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookAuth(t *testing.T) {
	r := newTestRouter()
	future := time.Now().Add(30 * time.Minute)

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer " + signToken(t, signingKey, "prediction-host", future), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer " + signToken(t, "other-secret", "prediction-host", future), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, signingKey, "someone-else", future), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, signingKey, "prediction-host", time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postWithAuth(r, tt.authHeader); got.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", got.Code, tt.wantStatus, got.Body.String())
			}
		})
	}
}

func TestWebhookAuthRejectsNonHMAC(t *testing.T) {
	r := newTestRouter()
	// alg=none tokens must never pass.
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    "prediction-host",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	if got := postWithAuth(r, "Bearer "+token); got.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", got.Code)
	}
}
