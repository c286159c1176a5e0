package utils

import (
	"context"
	"fmt"
	"time"
)

// Retry calls fn up to maxAttempts times, sleeping backoff between failed
// attempts, and returns the last error wrapped. It stops early when ctx ends.
func Retry(ctx context.Context, maxAttempts int, backoff time.Duration, fn func(context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for i := 0; i < maxAttempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted after %d attempts: %w", i+1, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, err)
}
