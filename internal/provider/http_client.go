package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/huntaze/ai-governor/internal/config"
	"go.uber.org/zap"
)

// HTTPClient talks to the AI provider over its JSON completion API.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPClient creates a provider client from config.
func NewHTTPClient(cfg config.ProviderConfig, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.CallTimeout},
		logger:   logger,
	}
}

type completionResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Complete sends one completion request. Token counts come from the
// provider's usage block; a response without them is treated as a
// failure rather than billed at zero.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are worth retrying unless
		// the caller's context is already done.
		retryable := !errors.Is(err, context.Canceled)
		return nil, &Error{Message: err.Error(), Retryable: retryable}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to read response: %v", err), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		_ = json.Unmarshal(raw, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to decode response: %v", err)}
	}
	if out.Usage.InputTokens == 0 && out.Usage.OutputTokens == 0 {
		return nil, &Error{Message: "provider response missing token usage"}
	}

	c.logger.Debug("provider call completed",
		zap.String("model", req.Model),
		zap.Int64("input_tokens", out.Usage.InputTokens),
		zap.Int64("output_tokens", out.Usage.OutputTokens),
		zap.Duration("duration", time.Since(start)),
	)

	model := out.Model
	if model == "" {
		model = req.Model
	}
	return &Completion{
		Text:         out.Text,
		Model:        model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}
