package generative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPClient calls a generative-text endpoint speaking a plain JSON
// request/response protocol: POST {prompt, constraints} -> {text}.
type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPClient(url, apiKey string) *HTTPClient {
	// No client-level timeout: per-attempt deadlines come from ctx so the
	// executor controls them per stage.
	return &HTTPClient{url: url, apiKey: apiKey, client: &http.Client{}}
}

type generateRequest struct {
	Prompt      string      `json:"prompt"`
	Constraints Constraints `json:"constraints"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (c *HTTPClient) Generate(ctx context.Context, prompt string, constraints Constraints) (string, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, Constraints: constraints})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Network-level failures (including ctx deadline) are transient.
		return "", &ServiceError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &ServiceError{
			StatusCode: resp.StatusCode,
			Message:    string(raw),
			// 4xx responses won't improve on retry; 5xx and 429 might.
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: "malformed response body", Retryable: true}
	}
	if out.Error != "" {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: out.Error, Retryable: false}
	}
	return out.Text, nil
}
