package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/romatekai/romatek-voice/internal/audit"
	"github.com/romatekai/romatek-voice/internal/blog"
	"github.com/romatekai/romatek-voice/internal/contact"
	apperrors "github.com/romatekai/romatek-voice/internal/errors"
	"github.com/romatekai/romatek-voice/internal/eventstore"
	"github.com/romatekai/romatek-voice/internal/llm"
	"github.com/romatekai/romatek-voice/internal/presence"
	"github.com/romatekai/romatek-voice/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators behind the /api/ routes. Nil members leave
// their routes unregistered.
type Deps struct {
	Blog       *blog.Store
	Contact    *contact.Service
	Supervisor *llm.Supervisor
	Responses  *llm.ResponsesClient
	Budget     *llm.Budget
	Events     *eventstore.Store
	Presence   *presence.Registry
	Logger     *slog.Logger
}

type API struct {
	deps   Deps
	log    *slog.Logger
	tracer trace.Tracer
}

func New(deps Deps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		deps:   deps,
		log:    logger.With(slog.String("component", "httpapi")),
		tracer: otel.Tracer("github.com/romatekai/romatek-voice/httpapi"),
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	if a.deps.Blog != nil {
		a.handle(mux, "GET /api/blog", a.listPosts)
		a.handle(mux, "POST /api/blog", a.createPost)
		a.handle(mux, "DELETE /api/blog", a.deletePost)
		a.handle(mux, "GET /api/blog/{id}", a.getPost)
	}
	if a.deps.Contact != nil {
		a.handle(mux, "POST /api/contact", a.contact)
	}
	if a.deps.Supervisor != nil {
		a.handle(mux, "POST /api/supervisor", a.supervisor)
	}
	if a.deps.Responses != nil && a.deps.Budget != nil {
		a.handle(mux, "POST /api/responses", a.responses)
	}
	if a.deps.Events != nil {
		a.handle(mux, "GET /api/sessions", a.listSessions)
		a.handle(mux, "GET /api/sessions/{id}/events", a.sessionEvents)
	}
	if a.deps.Presence != nil {
		a.handle(mux, "GET /api/sessions/live", a.liveSessions)
	}
}

func (a *API) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := a.tracer.Start(r.Context(), pattern, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		))
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with err's status and msg as the client-facing text.
func (a *API) writeError(w http.ResponseWriter, err error, msg string) {
	status := apperrors.StatusOf(err)
	if status >= 500 {
		a.log.Error(msg, slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.NewInvalidRequest("invalid JSON body")
	}
	return nil
}

func limitParam(r *http.Request, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return fallback
}

type postJSON struct {
	blog.Post
	HTML string `json:"html,omitempty"`
}

func (a *API) listPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := a.deps.Blog.List(r.Context())
	if err != nil {
		a.writeError(w, apperrors.NewInternal(err), "Failed to fetch blog posts")
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (a *API) createPost(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title    string `json:"title"`
		Body     string `json:"body"`
		ImageURL string `json:"image_url"`
	}
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, err, "Title and body are required")
		return
	}
	post, err := a.deps.Blog.Create(r.Context(), in.Title, in.Body, in.ImageURL)
	if errors.Is(err, blog.ErrInvalidPost) {
		a.writeError(w, apperrors.NewInvalidRequest(err.Error()), "Title and body are required")
		return
	}
	if err != nil {
		a.writeError(w, apperrors.NewInternal(err), "Failed to create blog post")
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (a *API) deletePost(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		a.writeError(w, apperrors.NewInvalidRequest("missing id"), "Post ID is required")
		return
	}
	deleted, err := a.deps.Blog.Delete(r.Context(), id)
	if err != nil {
		a.writeError(w, apperrors.NewInternal(err), "Failed to delete blog post")
		return
	}
	if !deleted {
		a.writeError(w, apperrors.NewNotFound("post", id), "Post not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Post deleted successfully"})
}

func (a *API) getPost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	post, ok, err := a.deps.Blog.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, apperrors.NewInternal(err), "Failed to fetch blog post")
		return
	}
	if !ok {
		a.writeError(w, apperrors.NewNotFound("post", id), "Post not found")
		return
	}
	writeJSON(w, http.StatusOK, postJSON{Post: post, HTML: post.HTML()})
}

func (a *API) contact(w http.ResponseWriter, r *http.Request) {
	var sub contact.Submission
	if err := decodeJSON(r, &sub); err != nil {
		a.writeError(w, err, "Required fields missing")
		return
	}
	err := a.deps.Contact.Submit(r.Context(), sub)
	if errors.Is(err, contact.ErrMissingFields) {
		a.writeError(w, apperrors.NewInvalidRequest(err.Error()), "Required fields missing")
		return
	}
	if err != nil {
		a.writeError(w, apperrors.NewInternal(err), "Failed to send email")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Emails sent successfully"})
}

func (a *API) supervisor(w http.ResponseWriter, r *http.Request) {
	var in llm.SupervisorRequest
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, apperrors.NewInternal(err), "Failed to get response from supervisor")
		return
	}
	resp, err := a.deps.Supervisor.NextResponse(r.Context(), in)
	if err != nil {
		a.writeError(w, apperrors.NewInternal(err), "Failed to get response from supervisor")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func budgetKey(r *http.Request) string {
	if c, err := r.Cookie(ratelimit.UserCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if c, err := r.Cookie(ratelimit.SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return "anonymous"
}

func (a *API) budgetExceeded(w http.ResponseWriter, used int, reset time.Time) {
	e := apperrors.NewBudgetExceeded(used, a.deps.Budget.Limit(), reset)
	writeJSON(w, e.Status, map[string]any{
		"error":     e.Message,
		"resetTime": e.Details["resetTime"],
		"message":   "You have exceeded your daily token limit. Please try again tomorrow.",
	})
}

func (a *API) responses(w http.ResponseWriter, r *http.Request) {
	key := budgetKey(r)
	if over, used, reset := a.deps.Budget.Exceeded(key); over {
		a.budgetExceeded(w, used, reset)
		return
	}

	var body map[string]any
	if err := decodeJSON(r, &body); err != nil || body == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	raw, tokens, err := a.deps.Responses.Create(r.Context(), body)
	if err != nil {
		var statusErr *llm.UpstreamStatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusTooManyRequests {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded. Please try again later."})
			return
		}
		a.writeError(w, apperrors.NewInternal(err), "An error occurred while processing your request.")
		return
	}

	used, reset := a.deps.Budget.Add(key, tokens)
	if a.deps.Budget.NearLimit(used) {
		a.log.Warn("token usage warning", slog.String("key", key), slog.Int("used", used), slog.Int("limit", a.deps.Budget.Limit()))
	}
	if used > a.deps.Budget.Limit() {
		a.budgetExceeded(w, used, reset)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type sessionJSON struct {
	SessionID  string    `json:"session_id"`
	Persona    string    `json:"persona,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	EventCount int       `json:"event_count"`
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.deps.Events.ListSessions(r.Context(), limitParam(r, 50))
	if err != nil {
		a.writeError(w, apperrors.NewInternal(err), "Failed to list sessions")
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON{SessionID: s.SessionID, Persona: s.Persona, CreatedAt: s.CreatedAt, EventCount: s.EventCount})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) sessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := a.deps.Events.ListSessionEvents(r.Context(), id, limitParam(r, 500))
	if err != nil {
		a.writeError(w, apperrors.NewInternal(err), "Failed to list session events")
		return
	}
	if len(events) == 0 {
		a.writeError(w, apperrors.NewNotFound("session", id), "Session not found")
		return
	}
	out := make([]audit.LoggedEvent, 0, len(events))
	for _, e := range events {
		out = append(out, audit.FromStoreEvent(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) liveSessions(w http.ResponseWriter, _ *http.Request) {
	live := a.deps.Presence.Live()
	if live == nil {
		live = []presence.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, live)
}
