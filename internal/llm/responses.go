package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UpstreamStatusError carries a non-2xx status from the responses API.
type UpstreamStatusError struct {
	Status int
	Body   string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("responses api returned status %d", e.Status)
}

// ResponsesClient forwards request bodies to the upstream responses API.
type ResponsesClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewResponsesClient(endpoint, apiKey string, timeout time.Duration) *ResponsesClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ResponsesClient{
		url:    strings.TrimRight(endpoint, "/") + "/responses",
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

// Create sends body with streaming disabled and returns the raw response
// together with its total token usage.
func (c *ResponsesClient) Create(ctx context.Context, body map[string]any) (json.RawMessage, int, error) {
	body["stream"] = false
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode >= 300 {
		return nil, 0, &UpstreamStatusError{Status: resp.StatusCode, Body: string(data)}
	}

	var meta struct {
		Usage *struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, 0, fmt.Errorf("decode responses body: %w", err)
	}
	total := 0
	if meta.Usage != nil {
		total = meta.Usage.TotalTokens
	}
	return data, total, nil
}
