package gateway

import (
	"context"
	"errors"
	"time"
)

const (
	retryAttempts = 3
	retryBaseWait = time.Second
)

// withRetry runs fn up to retryAttempts times, backing off exponentially.
// Only ErrUnavailable-class failures retry; permanent provider rejections
// surface immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	wait := retryBaseWait
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
		if attempt == retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return lastErr
}
