package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_EmptyTokenIsNotReady(t *testing.T) {
	_, err := Static("").Token(context.Background())
	assert.ErrorIs(t, err, ErrTokenNotReady)

	tok, err := Static("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func tokenServer(t *testing.T, calls *atomic.Int64, token func() string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"` + token() + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSource_CachesUntilExpiryMargin(t *testing.T) {
	var calls atomic.Int64
	tok := signedToken(t, time.Now().Add(time.Hour))
	srv := tokenServer(t, &calls, func() string { return tok }, http.StatusOK)

	src := NewHTTPSource(srv.URL, 30*time.Second, time.Second)

	for i := 0; i < 5; i++ {
		got, err := src.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tok, got)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestHTTPSource_RefreshesExpiredToken(t *testing.T) {
	var calls atomic.Int64
	current := signedToken(t, time.Now().Add(time.Hour))
	srv := tokenServer(t, &calls, func() string { return current }, http.StatusOK)

	src := NewHTTPSource(srv.URL, 30*time.Second, time.Second)
	src.now = time.Now

	_, err := src.Token(context.Background())
	require.NoError(t, err)

	// Jump the clock past the cached expiry.
	src.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	current = signedToken(t, time.Now().Add(3*time.Hour))

	got, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, current, got)
	assert.Equal(t, int64(2), calls.Load())
}

func TestHTTPSource_OpaqueTokenGetsFixedTTL(t *testing.T) {
	var calls atomic.Int64
	srv := tokenServer(t, &calls, func() string { return "opaque-session-token" }, http.StatusOK)

	src := NewHTTPSource(srv.URL, 30*time.Second, time.Second)
	base := time.Now()
	src.now = func() time.Time { return base }

	_, err := src.Token(context.Background())
	require.NoError(t, err)

	// Within the conservative TTL the cache holds.
	src.now = func() time.Time { return base.Add(time.Minute) }
	_, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	// Past it, the source refreshes.
	src.now = func() time.Time { return base.Add(10 * time.Minute) }
	_, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestHTTPSource_EndpointFailureIsNotReady(t *testing.T) {
	var calls atomic.Int64
	srv := tokenServer(t, &calls, nil, http.StatusServiceUnavailable)

	src := NewHTTPSource(srv.URL, 30*time.Second, time.Second)
	_, err := src.Token(context.Background())
	assert.ErrorIs(t, err, ErrTokenNotReady)
}

func TestHTTPSource_UnreachableEndpointIsNotReady(t *testing.T) {
	src := NewHTTPSource("http://127.0.0.1:1/token", 30*time.Second, 200*time.Millisecond)
	_, err := src.Token(context.Background())
	assert.ErrorIs(t, err, ErrTokenNotReady)
}
