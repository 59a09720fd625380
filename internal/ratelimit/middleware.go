package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/romatekai/romatek-voice/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SessionCookie = "session_id"
	UserCookie    = "user_id"
)

// Middleware applies the IP, session and user limits to /api/ requests.
type Middleware struct {
	cfg      config.RateLimitConfig
	ip       *Limiter
	session  *Limiter
	user     *Limiter
	log      *slog.Logger
	rejected metric.Int64Counter
}

func NewMiddleware(cfg config.RateLimitConfig, log *slog.Logger) *Middleware {
	m := &Middleware{
		cfg:     cfg,
		ip:      NewLimiter(cfg.IPPerHour, time.Hour),
		session: NewLimiter(cfg.SessionPerHour, time.Hour),
		user:    NewLimiter(cfg.UserPerDay, 24*time.Hour),
		log:     log.With(slog.String("component", "ratelimit")),
	}
	m.rejected, _ = otel.Meter("github.com/romatekai/romatek-voice/ratelimit").Int64Counter(
		"ratelimit.rejections", metric.WithDescription("Requests rejected by the rate limiter"))
	return m
}

// Run sweeps expired windows once a minute until ctx ends.
func (m *Middleware) Run(ctx context.Context) {
	RunSweeper(ctx, time.Minute, m.ip, m.session, m.user)
}

// ClientIP returns the first X-Forwarded-For hop, or "unknown".
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	return "unknown"
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		sessionID, hasSession := cookieValue(r, SessionCookie)
		if !hasSession {
			sessionID = ip + "-" + uuid.NewString()
		}

		if res := m.ip.Check(ip); !res.Allowed {
			m.reject(w, r, "ip", "Too many requests from this IP", res)
			return
		}
		sessionRes := m.session.Check(sessionID)
		if !sessionRes.Allowed {
			m.reject(w, r, "session", "Too many requests in this session", sessionRes)
			return
		}
		if userID, ok := cookieValue(r, UserCookie); ok {
			if res := m.user.Check(userID); !res.Allowed {
				m.reject(w, r, "user", "Daily request limit exceeded", res)
				return
			}
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(sessionRes.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(sessionRes.Reset.UnixMilli(), 10))
		if !hasSession {
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    sessionID,
				Path:     "/",
				HttpOnly: true,
				Secure:   m.cfg.SecureCookie,
				SameSite: http.SameSiteLaxMode,
				MaxAge:   int((24 * time.Hour).Seconds()),
			})
			r.AddCookie(&http.Cookie{Name: SessionCookie, Value: sessionID})
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, limiter, msg string, res Result) {
	if m.rejected != nil {
		m.rejected.Add(r.Context(), 1, metric.WithAttributes(attribute.String("limiter", limiter)))
	}
	m.log.Warn("rate limit exceeded", slog.String("limiter", limiter), slog.String("path", r.URL.Path))
	reset := res.Reset.UnixMilli()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "resetTime": reset})
}

func cookieValue(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
