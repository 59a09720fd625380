package credential

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/romatekai/romatek-voice/internal/config"
	apperrors "github.com/romatekai/romatek-voice/internal/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Response is the body of the credential endpoint.
type Response struct {
	ClientSecret ClientSecret `json:"client_secret"`
}

type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Fetcher obtains an ephemeral realtime credential from the site daemon.
type Fetcher struct {
	URL    string
	Client *http.Client
}

func NewFetcher(url string) *Fetcher {
	return &Fetcher{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Fetch returns the client secret, or a NoCredential error when the endpoint
// fails or yields no value.
func (f *Fetcher) Fetch(ctx context.Context) (secret string, err error) {
	ctx, span := otel.Tracer("github.com/romatekai/romatek-voice/credential").Start(ctx, "credential.fetch")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", apperrors.NewNoCredential(err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", apperrors.NewNoCredential(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.NewNoCredential(fmt.Errorf("credential endpoint returned %s", resp.Status))
	}
	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apperrors.NewNoCredential(fmt.Errorf("decode credential: %w", err))
	}
	if strings.TrimSpace(body.ClientSecret.Value) == "" {
		return "", apperrors.NewNoCredential(nil)
	}
	return body.ClientSecret.Value, nil
}

// Minter creates ephemeral credentials for browser and CLI sessions.
type Minter interface {
	Mint(ctx context.Context) (Response, error)
}

// NewMinter returns the minter selected by cfg.CredentialMode.
func NewMinter(cfg config.RealtimeConfig) (Minter, error) {
	switch cfg.CredentialMode {
	case "mock":
		return mockMinter{}, nil
	case "upstream", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("realtime.api_key is required when credential_mode=upstream")
		}
		return &upstreamMinter{
			url:    cfg.SessionsURL,
			apiKey: cfg.APIKey,
			model:  cfg.Model,
			voice:  cfg.Voice,
			client: &http.Client{Timeout: 15 * time.Second},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported credential mode %q", cfg.CredentialMode)
	}
}

type mockMinter struct{}

func (mockMinter) Mint(context.Context) (Response, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Response{}, err
	}
	return Response{ClientSecret: ClientSecret{
		Value:     "ek_mock_" + hex.EncodeToString(buf),
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}}, nil
}

type upstreamMinter struct {
	url    string
	apiKey string
	model  string
	voice  string
	client *http.Client
}

func (m *upstreamMinter) Mint(ctx context.Context) (Response, error) {
	payload, err := json.Marshal(map[string]string{"model": m.model, "voice": m.voice})
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return Response{}, apperrors.NewUpstream("realtime sessions", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Response{}, apperrors.NewUpstream("realtime sessions", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, apperrors.NewUpstream("realtime sessions", fmt.Errorf("decode: %w", err))
	}
	if out.ClientSecret.Value == "" {
		return Response{}, apperrors.NewUpstream("realtime sessions", fmt.Errorf("response has no client secret"))
	}
	return out, nil
}

// Handler serves GET /session.
type Handler struct {
	minter Minter
	log    *slog.Logger
}

func NewHandler(minter Minter, log *slog.Logger) *Handler {
	return &Handler{minter: minter, log: log.With(slog.String("component", "credential"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := h.minter.Mint(r.Context())
	if err != nil {
		h.log.Error("mint realtime credential failed", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(apperrors.StatusOf(err))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Internal Server Error"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}
