package transport

import (
	"context"
	"time"
)

// Defaults for SendWithRetry when a caller passes zero values.
const (
	DefaultSendAttempts   = 3
	DefaultRetryBaseDelay = 50 * time.Millisecond
)

// SendWithRetry publishes with bounded retry and exponential backoff. The
// final error surfaces to the caller; nothing is swallowed. Waiting between
// attempts respects ctx.
func SendWithRetry(ctx context.Context, t Transport, topic string, data []byte, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultSendAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(baseDelay * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return &Error{Op: "send", Topic: topic, Err: ctx.Err()}
			}
		}
		if lastErr = t.Send(ctx, topic, data); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
