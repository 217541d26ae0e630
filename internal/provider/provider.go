package provider

import (
	"context"
	"fmt"
)

// Message is a single turn in the prompt sent to the AI provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. Token counts in the response are
// authoritative for billing; nothing here is used to price the call.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Completion is a successful provider response.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Error is a failed provider call. Retryable errors (timeouts, 429s,
// 5xx) may be re-attempted by the caller; the rest surface immediately.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

// Client is the outbound boundary to the AI capability.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
