package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/romatekai/romatek-voice/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds request defaults from config.
func RequestFromConfig(cfg config.LLMConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// NewGenerator selects the backend named by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// Collect runs req through g and returns the concatenated output.
func Collect(ctx context.Context, g Generator, req Request) (string, Chunk, error) {
	var out []byte
	var last Chunk
	err := g.Generate(ctx, req, func(c Chunk) error {
		out = append(out, c.Content...)
		last = c
		return nil
	})
	return string(out), last, err
}
