package provider

import (
	"context"
	"errors"
	"time"
)

// CompleteWithRetry calls the client up to maxAttempts times, backing
// off exponentially from baseDelay between attempts. Only retryable
// provider errors are re-attempted; everything else, and context
// cancellation, surfaces immediately.
func CompleteWithRetry(ctx context.Context, client Client, req Request, maxAttempts int, baseDelay time.Duration) (*Completion, int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, attempt, &Error{Message: ctx.Err().Error()}
			case <-time.After(delay):
			}
		}

		completion, err := client.Complete(ctx, req)
		if err == nil {
			return completion, attempt, nil
		}
		lastErr = err

		var provErr *Error
		if !errors.As(err, &provErr) || !provErr.Retryable {
			return nil, attempt, err
		}
	}

	return nil, maxAttempts - 1, lastErr
}
