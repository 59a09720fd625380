package credential

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/romatekai/romatek-voice/internal/config"
	apperrors "github.com/romatekai/romatek-voice/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestFetchReturnsSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_123","expires_at":1}}`))
	}))
	defer srv.Close()

	secret, err := NewFetcher(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ek_123", secret)
}

func TestFetchMissingSecretIsNoCredential(t *testing.T) {
	for name, body := range map[string]string{
		"empty value":   `{"client_secret":{"value":""}}`,
		"missing field": `{}`,
		"not json":      `oops`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := NewFetcher(srv.URL).Fetch(context.Background())
			require.True(t, apperrors.Is(err, apperrors.ErrNoCredential), "got %v", err)
		})
	}
}

func TestFetchServerErrorIsNoCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.URL).Fetch(context.Background())
	require.True(t, apperrors.Is(err, apperrors.ErrNoCredential))
}

func TestUpstreamMinterPostsModelAndVoice(t *testing.T) {
	var got map[string]string
	var auth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_live","expires_at":42}}`))
	}))
	defer upstream.Close()

	minter, err := NewMinter(config.RealtimeConfig{
		CredentialMode: "upstream",
		APIKey:         "sk-test",
		SessionsURL:    upstream.URL,
		Model:          "gpt-4o-realtime-preview",
		Voice:          "echo",
	})
	require.NoError(t, err)

	h := NewHandler(minter, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"client_secret":{"value":"ek_live","expires_at":42}}`, rec.Body.String())
	require.Equal(t, "Bearer sk-test", auth)
	require.Equal(t, map[string]string{"model": "gpt-4o-realtime-preview", "voice": "echo"}, got)
}

func TestUpstreamFailureMapsTo502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer upstream.Close()

	minter, err := NewMinter(config.RealtimeConfig{CredentialMode: "upstream", APIKey: "sk", SessionsURL: upstream.URL})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	NewHandler(minter, slog.New(slog.NewTextHandler(io.Discard, nil))).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMockMinter(t *testing.T) {
	minter, err := NewMinter(config.RealtimeConfig{CredentialMode: "mock"})
	require.NoError(t, err)
	resp, err := minter.Mint(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.ClientSecret.Value, "ek_mock_"))

	_, err = NewMinter(config.RealtimeConfig{CredentialMode: "upstream"})
	require.Error(t, err)
}
