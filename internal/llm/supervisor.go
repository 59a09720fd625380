package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/romatekai/romatek-voice/internal/config"
)

// SupervisorRequest is the body the realtime assistant sends when it defers
// a question to the text model.
type SupervisorRequest struct {
	RelevantContextFromLastUserMessage string `json:"relevantContextFromLastUserMessage"`
	CompanyInfo                        string `json:"companyInfo,omitempty"`
	SupervisorInstructions             string `json:"supervisorInstructions,omitempty"`
}

type SupervisorResponse struct {
	NextResponse string `json:"nextResponse"`
}

// Supervisor answers deferred questions with the configured generator.
type Supervisor struct {
	cfg       config.LLMConfig
	generator Generator
	logger    *slog.Logger
}

func NewSupervisor(cfg config.LLMConfig, generator Generator, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		generator: generator,
		logger:    logger.With(slog.String("component", "llm-supervisor")),
	}
}

// SupervisorPrompt assembles the system message sent to the model.
func SupervisorPrompt(instructions, companyInfo, context string) string {
	return fmt.Sprintf("%s\n\n%s\n\n==== Context from User's Last Message ====\n%s\n", instructions, companyInfo, context)
}

func (s *Supervisor) NextResponse(ctx context.Context, in SupervisorRequest) (SupervisorResponse, error) {
	companyInfo := in.CompanyInfo
	if strings.TrimSpace(companyInfo) == "" {
		companyInfo = s.cfg.CompanyInfo
	}

	req := RequestFromConfig(s.cfg)
	req.System = SupervisorPrompt(in.SupervisorInstructions, companyInfo, in.RelevantContextFromLastUserMessage)

	start := time.Now()
	text, last, err := Collect(ctx, s.generator, req)
	if err != nil {
		return SupervisorResponse{}, fmt.Errorf("supervisor generation: %w", err)
	}
	s.logger.Info("supervisor response complete",
		slog.Duration("latency", time.Since(start)),
		slog.Int("completion_tokens", last.CompletionTokens))
	return SupervisorResponse{NextResponse: text}, nil
}
