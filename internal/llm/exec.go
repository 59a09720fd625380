package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs an external command per request. The request is written
// to stdin as JSON; stdout carries one JSON object per line, each a piece of
// the completion. The last line may carry token usage.
type execGenerator struct {
	cmd []string
}

type execLine struct {
	Content          string `json:"content"`
	Done             bool   `json:"done,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(map[string]any{
		"prompt":      req.Prompt,
		"system":      req.System,
		"model":       req.Model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}

	var pending *execLine
	emit := func(line execLine, partial bool) error {
		return consumer(Chunk{
			Content:          line.Content,
			Partial:          partial,
			PromptTokens:     line.PromptTokens,
			CompletionTokens: line.CompletionTokens,
			Latency:          time.Since(start),
		})
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var consumeErr error
	done := false
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || done {
			continue
		}
		var line execLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			consumeErr = fmt.Errorf("decode llm exec output: %w", err)
			break
		}
		// Hold one line back so the final chunk is the one marked complete.
		if pending != nil {
			if consumeErr = emit(*pending, true); consumeErr != nil {
				break
			}
		}
		pending = &line
		done = line.Done
	}
	if consumeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return consumeErr
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("read llm exec output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("llm exec command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if pending == nil {
		return fmt.Errorf("llm exec command produced no output")
	}
	return emit(*pending, false)
}
