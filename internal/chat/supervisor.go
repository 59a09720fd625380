package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/romatekai/romatek-voice/internal/llm"
	"github.com/romatekai/romatek-voice/internal/realtime"
)

// SupervisorTool forwards getNextResponseFromSupervisor calls to the
// daemon's /api/supervisor endpoint and returns its JSON answer.
func SupervisorTool(url string, timeout time.Duration) realtime.ToolHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, arguments json.RawMessage) (any, error) {
		var req llm.SupervisorRequest
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &req); err != nil {
				return nil, fmt.Errorf("decode supervisor arguments: %w", err)
			}
		}
		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("supervisor request: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("supervisor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		var out llm.SupervisorResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode supervisor response: %w", err)
		}
		return out, nil
	}
}
