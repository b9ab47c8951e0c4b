// Package auth maintains the bearer token for outbound collaborator calls.
// A token is reused until shortly before expiry, exchanged via refresh when
// the collaborator granted one, and re-acquired by login otherwise.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// expiryMargin retires a token five minutes before it expires so a request
// in flight at the boundary does not 401.
const expiryMargin = 5 * time.Minute

// Credentials is the login identity for one collaborator.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenBundle is the collaborator's token grant.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Exp          int64  `json:"exp"` // unix seconds
}

// TokenSource hands out a valid access token for one collaborator.
// Safe for concurrent use; one exchange is in flight at a time.
type TokenSource struct {
	baseURL string
	creds   Credentials
	client  *http.Client
	now     func() time.Time
	logger  *zap.Logger

	mu     sync.Mutex
	bundle TokenBundle
}

func NewTokenSource(baseURL string, creds Credentials, now func() time.Time, logger *zap.Logger) *TokenSource {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenSource{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{Timeout: 5 * time.Second},
		now:     now,
		logger:  logger,
	}
}

// Token returns an access token valid for at least expiryMargin.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bundle.AccessToken != "" && s.now().Unix() < s.bundle.Exp-int64(expiryMargin.Seconds()) {
		return s.bundle.AccessToken, nil
	}

	if s.bundle.RefreshToken != "" {
		tb, err := s.grant(ctx, "/auth/refresh/", map[string]string{
			"refresh_token": s.bundle.RefreshToken,
		})
		if err == nil {
			s.bundle = tb
			return tb.AccessToken, nil
		}
		s.logger.Warn("auth.refresh_failed", zap.Error(err))
	}

	tb, err := s.grant(ctx, "/auth/", map[string]string{
		"username": s.creds.Username,
		"password": s.creds.Password,
	})
	if err != nil {
		s.logger.Error("auth.login_failed", zap.Error(err))
		return "", err
	}
	s.logger.Info("auth.login_success", zap.String("user", s.creds.Username))
	s.bundle = tb
	return tb.AccessToken, nil
}

// grant POSTs one auth exchange and decodes the resulting bundle.
func (s *TokenSource) grant(ctx context.Context, path string, body map[string]string) (TokenBundle, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return TokenBundle{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return TokenBundle{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return TokenBundle{}, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return TokenBundle{}, fmt.Errorf("auth exchange %s failed: %d", path, resp.StatusCode)
	}

	var tb TokenBundle
	if err := json.NewDecoder(resp.Body).Decode(&tb); err != nil {
		return TokenBundle{}, err
	}
	// Grants without an expiry are assumed to last an hour.
	if tb.Exp == 0 {
		tb.Exp = s.now().Add(time.Hour).Unix()
	}
	return tb, nil
}
