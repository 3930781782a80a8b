package sourceapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ews-server/config"
	"ews-server/logger"
)

func testConfig(baseURL string) config.SourceConfig {
	return config.SourceConfig{BaseURL: baseURL, APIKey: "test-key", RequestTimeout: 5 * time.Second}
}

func TestNewValidation(t *testing.T) {
	log := logger.NewNop()
	if _, err := New(config.SourceConfig{APIKey: "k"}, log); err == nil {
		t.Error("expected error for missing base URL")
	}
	if _, err := New(config.SourceConfig{BaseURL: "http://x"}, log); err == nil {
		t.Error("expected error for missing API key")
	}
	c, err := New(testConfig("http://x/"), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.baseURL != "http://x" {
		t.Errorf("base URL not trimmed: %q", c.baseURL)
	}
}

func TestParseExpiry(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("platform-secret"))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}

	got, err := parseExpiry(token)
	if err != nil {
		t.Fatalf("parseExpiry: %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("platform-secret"))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	if _, err := parseExpiry(noExp); err == nil {
		t.Error("expected error for token without exp claim")
	}
	if _, err := parseExpiry("not-a-jwt"); err == nil {
		t.Error("expected error for garbage token")
	}
}

func TestConnectorReloginOn401(t *testing.T) {
	logins := 0
	gets := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			var req map[string]string
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad login body: %v", err)
			}
			if req["api_key"] != "test-key" || req["scope"] != "course" || req["scope_id"] != "c1" {
				t.Errorf("unexpected login request: %v", req)
			}
			logins++
			json.NewEncoder(w).Encode(map[string]string{"token": fmt.Sprintf("tok%d", logins)})
		case "/courses/c1/mini_summary":
			gets++
			// The first token is stale from the platform's point of view.
			if r.Header.Get("Authorization") == "Bearer tok1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(CourseMiniSummary{Name: "Networking 101"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL), logger.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := client.ForCourse("c1")

	ms, err := conn.GetCourseMiniSummary(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetCourseMiniSummary: %v", err)
	}
	if ms.Name != "Networking 101" {
		t.Errorf("unexpected summary: %+v", ms)
	}
	if logins != 2 {
		t.Errorf("expected exactly one re-login (2 logins total), got %d", logins)
	}
	if gets != 2 {
		t.Errorf("expected exactly one retry (2 gets total), got %d", gets)
	}
}

func TestConnectorTokenIsCached(t *testing.T) {
	logins := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			logins++
			json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
		case "/frameworks":
			json.NewEncoder(w).Encode([]Framework{{ID: "f1", Name: "CSTA"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := New(testConfig(srv.URL), logger.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := client.ForInstructor("i1")
	for i := 0; i < 3; i++ {
		if _, err := conn.GetFrameworks(context.Background()); err != nil {
			t.Fatalf("GetFrameworks: %v", err)
		}
	}
	if logins != 1 {
		t.Errorf("token should be cached across requests, got %d logins", logins)
	}
}
