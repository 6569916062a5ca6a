package generative

import (
	"context"
	"fmt"
)

// Constraints bound a single generation request.
type Constraints struct {
	MaxWords    int     `json:"max_words,omitempty"`
	MinWords    int     `json:"min_words,omitempty"`
	Format      string  `json:"format,omitempty"` // e.g. "json"
	Temperature float64 `json:"temperature,omitempty"`
}

// Client is the external generative-text service collaborator. Calls are
// opaque and non-streaming; they may take seconds to minutes and must honor
// ctx cancellation for timeouts.
type Client interface {
	Generate(ctx context.Context, prompt string, constraints Constraints) (string, error)
}

// ServiceError is an error reported by the generative service. Retryable
// distinguishes transient failures (rate limits, upstream flakes) from
// responses that will not improve on retry (e.g. content policy refusals).
type ServiceError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("generative service error (status %d): %s", e.StatusCode, e.Message)
}
