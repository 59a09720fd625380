package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/stretchr/testify/require"
)

type captureGenerator struct {
	req Request
	out []string
	err error
}

func (g *captureGenerator) Generate(_ context.Context, req Request, consumer func(Chunk) error) error {
	g.req = req
	if g.err != nil {
		return g.err
	}
	for i, s := range g.out {
		if err := consumer(Chunk{Content: s, Partial: i < len(g.out)-1, CompletionTokens: 7}); err != nil {
			return err
		}
	}
	return nil
}

func TestSupervisorUsesDefaultCompanyInfo(t *testing.T) {
	gen := &captureGenerator{out: []string{"We offer ", "audits."}}
	cfg := config.LLMConfig{Model: "gpt-4o", Temperature: 0.7, CompanyInfo: "RomaTek facts"}
	s := NewSupervisor(cfg, gen, slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp, err := s.NextResponse(context.Background(), SupervisorRequest{
		RelevantContextFromLastUserMessage: "what do you offer?",
		SupervisorInstructions:             "Be brief.",
	})
	require.NoError(t, err)
	require.Equal(t, "We offer audits.", resp.NextResponse)
	require.Equal(t, "gpt-4o", gen.req.Model)
	require.Equal(t, 0.7, gen.req.Temperature)
	require.Equal(t, "Be brief.\n\nRomaTek facts\n\n==== Context from User's Last Message ====\nwhat do you offer?\n", gen.req.System)
}

func TestSupervisorPrefersSuppliedCompanyInfo(t *testing.T) {
	gen := &captureGenerator{out: []string{"ok"}}
	s := NewSupervisor(config.LLMConfig{CompanyInfo: "default"}, gen, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := s.NextResponse(context.Background(), SupervisorRequest{CompanyInfo: "custom"})
	require.NoError(t, err)
	require.Contains(t, gen.req.System, "custom")
	require.NotContains(t, gen.req.System, "default")
}

func TestSupervisorWrapsGeneratorError(t *testing.T) {
	gen := &captureGenerator{err: errors.New("model down")}
	s := NewSupervisor(config.LLMConfig{}, gen, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := s.NextResponse(context.Background(), SupervisorRequest{})
	require.ErrorContains(t, err, "model down")
}

func TestMockGeneratorEchoesPrompt(t *testing.T) {
	text, last, err := Collect(context.Background(), NewMockGenerator(), Request{System: "rules\nwhat is new?"})
	require.NoError(t, err)
	require.Equal(t, "[mock completion for what is new?]", text)
	require.False(t, last.Partial)
}

func TestNewGeneratorModes(t *testing.T) {
	_, err := NewGenerator(config.LLMConfig{Mode: "exec"})
	require.Error(t, err)
	_, err = NewGenerator(config.LLMConfig{Mode: "bogus"})
	require.Error(t, err)
	g, err := NewGenerator(config.LLMConfig{Mode: "exec", Command: `cat "some file"`})
	require.NoError(t, err)
	require.Equal(t, []string{"cat", "some file"}, g.(*execGenerator).cmd)
}

func TestExecGeneratorStreamsLines(t *testing.T) {
	cmd := `printf '{"content":"Hel"}\n{"content":"lo","done":true,"completion_tokens":2}\n{"content":"ignored"}\n'`
	g, err := NewExecGenerator(cmd)
	require.NoError(t, err)

	var chunks []Chunk
	err = g.Generate(context.Background(), Request{Prompt: "hi"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.True(t, chunks[0].Partial)
	require.Equal(t, "Hel", chunks[0].Content)
	require.False(t, chunks[1].Partial)
	require.Equal(t, "lo", chunks[1].Content)
	require.Equal(t, 2, chunks[1].CompletionTokens)
}

func TestExecGeneratorFailures(t *testing.T) {
	g, err := NewExecGenerator("false")
	require.NoError(t, err)
	_, _, err = Collect(context.Background(), g, Request{Prompt: "hi"})
	require.Error(t, err)

	g, err = NewExecGenerator("printf 'not json'")
	require.NoError(t, err)
	_, _, err = Collect(context.Background(), g, Request{Prompt: "hi"})
	require.ErrorContains(t, err, "decode llm exec output")
}

func TestOpenAIGeneratorStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.True(t, body.Stream)
		require.Len(t, body.Messages, 1)
		require.Equal(t, "system", body.Messages[0].Role)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(srv.URL+"/v1/", "sk-test", time.Second)
	text, last, err := Collect(context.Background(), g, Request{System: "be nice"})
	require.NoError(t, err)
	require.Equal(t, "Hello", text)
	require.False(t, last.Partial)
	require.Equal(t, 12, last.PromptTokens)
	require.Equal(t, 2, last.CompletionTokens)
}

func TestOpenAIGeneratorRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()
	_, _, err := Collect(context.Background(), NewOpenAIGenerator(srv.URL, "", time.Second), Request{Prompt: "hi"})
	require.ErrorContains(t, err, "401")
}

func TestBudgetResetsAfterWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	b := NewBudget(100, 24*time.Hour, func() time.Time { return now })

	count, reset := b.Add("user-1", 95)
	require.Equal(t, 95, count)
	require.Equal(t, now.Add(24*time.Hour), reset)
	require.True(t, b.NearLimit(count))

	count, _ = b.Add("user-1", 10)
	require.Equal(t, 105, count)
	over, used, _ := b.Exceeded("user-1")
	require.True(t, over)
	require.Equal(t, 105, used)

	over, _, _ = b.Exceeded("user-2")
	require.False(t, over)

	now = now.Add(24 * time.Hour)
	over, used, _ = b.Exceeded("user-1")
	require.False(t, over)
	require.Zero(t, used)
}

func TestResponsesClientForwardsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/responses", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, false, body["stream"])
		require.Equal(t, "gpt-4.1", body["model"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"resp_1","usage":{"total_tokens":42}}`)
	}))
	defer srv.Close()

	c := NewResponsesClient(srv.URL+"/v1", "sk", time.Second)
	raw, tokens, err := c.Create(context.Background(), map[string]any{"model": "gpt-4.1", "stream": true})
	require.NoError(t, err)
	require.Equal(t, 42, tokens)
	require.True(t, strings.Contains(string(raw), "resp_1"))
}

func TestResponsesClientSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, _, err := NewResponsesClient(srv.URL, "", time.Second).Create(context.Background(), map[string]any{})
	var statusErr *UpstreamStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.Status)
}
