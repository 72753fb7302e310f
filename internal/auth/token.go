// Package auth supplies bearer tokens for authenticated pipeline calls.
// Token absence is "not yet ready", never a fatal error: callers defer
// the operation and try again rather than failing the page.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenNotReady signals that no usable token is available yet.
var ErrTokenNotReady = errors.New("bearer token not ready")

// Default lifetime assumed for opaque (non-JWT) tokens.
const opaqueTokenTTL = 5 * time.Minute

// TokenSource yields a bearer token for each authenticated request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static returns a TokenSource that always yields the given token.
func Static(token string) TokenSource {
	return staticSource(token)
}

type staticSource string

func (s staticSource) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", ErrTokenNotReady
	}
	return string(s), nil
}

// HTTPSource fetches tokens from the auth provider's token endpoint and
// caches them until shortly before expiry. JWT tokens are cached until
// their exp claim minus the refresh margin; opaque tokens get a fixed
// conservative lifetime.
type HTTPSource struct {
	tokenURL string
	margin   time.Duration
	client   *http.Client
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewHTTPSource creates an HTTPSource for the given token endpoint.
func NewHTTPSource(tokenURL string, margin time.Duration, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		tokenURL: tokenURL,
		margin:   margin,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Token returns a cached token while it remains fresh, otherwise
// refreshes from the endpoint. A failed refresh yields ErrTokenNotReady
// so callers defer rather than fail.
func (s *HTTPSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenNotReady, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint status %d", ErrTokenNotReady, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %v", ErrTokenNotReady, err)
	}
	if tr.Token == "" {
		return "", ErrTokenNotReady
	}

	s.token = tr.Token
	s.expiresAt = s.expiry(tr.Token)
	return s.token, nil
}

// expiry derives the cache deadline from the token's exp claim. The
// signature is not verified here; the backend does that. We only need
// the timestamp to refresh ahead of rejection.
func (s *HTTPSource) expiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return s.now().Add(opaqueTokenTTL)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return s.now().Add(opaqueTokenTTL)
	}
	return exp.Time.Add(-s.margin)
}

var _ TokenSource = (*HTTPSource)(nil)
