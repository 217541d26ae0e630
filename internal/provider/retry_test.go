package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	calls   int
	results []error
}

func (c *scriptedClient) Complete(_ context.Context, _ Request) (*Completion, error) {
	err := c.results[c.calls]
	c.calls++
	if err != nil {
		return nil, err
	}
	return &Completion{Text: "ok", InputTokens: 10, OutputTokens: 20}, nil
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	client := &scriptedClient{results: []error{
		&Error{StatusCode: 503, Message: "overloaded", Retryable: true},
		nil,
	}}

	completion, retries, err := CompleteWithRetry(context.Background(), client, Request{}, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ok", completion.Text)
	assert.Equal(t, 1, retries)
	assert.Equal(t, 2, client.calls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	failure := &Error{StatusCode: 503, Message: "overloaded", Retryable: true}
	client := &scriptedClient{results: []error{failure, failure, failure}}

	_, _, err := CompleteWithRetry(context.Background(), client, Request{}, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, client.calls)
}

func TestRetryDoesNotRetryNonRetryable(t *testing.T) {
	client := &scriptedClient{results: []error{
		&Error{StatusCode: 400, Message: "bad prompt"},
		nil,
	}}

	_, _, err := CompleteWithRetry(context.Background(), client, Request{}, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	failure := &Error{StatusCode: 503, Message: "overloaded", Retryable: true}
	client := &scriptedClient{results: []error{failure, failure, failure}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := CompleteWithRetry(ctx, client, Request{}, 3, time.Hour)
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}
