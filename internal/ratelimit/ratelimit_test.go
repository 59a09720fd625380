package ratelimit

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLimiterFixedWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l := NewLimiter(2, time.Hour)
	l.now = func() time.Time { return now }

	first := l.Check("k")
	require.True(t, first.Allowed)
	require.Equal(t, 1, first.Remaining)
	require.Equal(t, now.Add(time.Hour), first.Reset)

	require.True(t, l.Check("k").Allowed)
	third := l.Check("k")
	require.False(t, third.Allowed)
	require.Zero(t, third.Remaining)

	now = now.Add(time.Hour + time.Second)
	require.True(t, l.Check("k").Allowed)
}

func TestLimiterSweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l := NewLimiter(5, time.Minute)
	l.now = func() time.Time { return now }
	l.Check("a")
	now = now.Add(30 * time.Second)
	l.Check("b")
	now = now.Add(45 * time.Second)
	l.Sweep()
	require.Equal(t, 1, l.Len())
}

func newMiddleware(cfg config.RateLimitConfig) http.Handler {
	m := NewMiddleware(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(SessionCookie)
		if err == nil {
			w.Header().Set("X-Session", c.Value)
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddlewareSetsSessionCookie(t *testing.T) {
	h := newMiddleware(config.RateLimitConfig{Enabled: true, IPPerHour: 10, SessionPerHour: 10, UserPerDay: 10})

	req := httptest.NewRequest(http.MethodGet, "/api/blog", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, SessionCookie, cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)
	require.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
	require.Equal(t, 86400, cookies[0].MaxAge)
	require.Equal(t, cookies[0].Value, rec.Header().Get("X-Session"))
	require.Contains(t, cookies[0].Value, "203.0.113.7-")
}

func TestMiddlewareRejectsPerIP(t *testing.T) {
	h := newMiddleware(config.RateLimitConfig{Enabled: true, IPPerHour: 1, SessionPerHour: 10, UserPerDay: 10})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/contact", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	require.Equal(t, http.StatusOK, send().Code)

	rec := send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Too many requests from this IP", body["error"])
	require.NotZero(t, body["resetTime"])
}

func TestMiddlewareRejectsPerSessionAndUser(t *testing.T) {
	h := newMiddleware(config.RateLimitConfig{Enabled: true, IPPerHour: 100, SessionPerHour: 1, UserPerDay: 1})

	send := func(session, user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/blog", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})
		if user != "" {
			req.AddCookie(&http.Cookie{Name: UserCookie, Value: user})
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send("s1", ""))
	require.Equal(t, http.StatusTooManyRequests, send("s1", ""))
	require.Equal(t, http.StatusOK, send("s2", "u1"))
	require.Equal(t, http.StatusTooManyRequests, send("s3", "u1"))
}

func TestMiddlewareSkipsNonAPIPaths(t *testing.T) {
	h := newMiddleware(config.RateLimitConfig{Enabled: true, IPPerHour: 1, SessionPerHour: 1, UserPerDay: 1})
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}
}
