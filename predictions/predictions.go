// Package predictions talks to the external ML model host. Refresh is a
// best-effort cache warm: results arrive later through the webhook, and a
// failed refresh must never affect the pipeline's own success signal.
package predictions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ews-server/config"
	"ews-server/logger"
)

// TokenIssuer is the issuer claim the model host expects on our tokens.
const TokenIssuer = "learning-analytics-api"

const tokenTTL = 30 * time.Minute

// Client triggers batch-predict refreshes on the model host.
type Client struct {
	baseURL    string
	signingKey []byte
	http       *http.Client
	log        *logger.Logger
}

// New validates the prediction-host configuration and builds the client.
func New(cfg config.PredictionConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("missing prediction host base URL")
	}
	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("missing prediction host JWT signing key")
	}
	return &Client{
		baseURL:    base,
		signingKey: []byte(cfg.JWTSigningKey),
		http:       &http.Client{Timeout: 30 * time.Second},
		// Refresh failures land in this sink only, decoupled from the
		// pipeline's own logs.
		log: log.With("client", "predictions"),
	}, nil
}

func (c *Client) mintToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
}

// TriggerRefresh asks the model host to recompute predictions for one
// course. Blocking variant; callers wanting fire-and-forget use
// RefreshAsync.
func (c *Client) TriggerRefresh(ctx context.Context, courseID string) error {
	token, err := c.mintToken()
	if err != nil {
		return fmt.Errorf("failed to mint prediction token: %w", err)
	}
	u := fmt.Sprintf("%s/model/%s/batch-predict?force_refresh=true", c.baseURL, url.PathEscape(courseID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("batch-predict request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("batch-predict returned %d for course %s", resp.StatusCode, courseID)
	}
	return nil
}

// RefreshAsync dispatches a refresh without waiting for the result. Errors
// are swallowed into the client's own log sink.
func (c *Client) RefreshAsync(courseID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.TriggerRefresh(ctx, courseID); err != nil {
			c.log.Warn("prediction refresh failed", "course_id", courseID, "error", err)
		}
	}()
}
