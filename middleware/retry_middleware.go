package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"lightbus/message"
)

// Retry re-runs the handler on transient failures with exponential backoff.
// Only error texts that look like connectivity problems are retried;
// application errors return immediately.
func Retry(logger *zap.Logger, maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Error == "" {
					return resp
				}
				if !isTransient(resp.Error) {
					return resp
				}
				logger.Info("retrying handler",
					zap.String("procedure", req.CanonicalName()),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // exponential backoff
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func isTransient(errText string) bool {
	return strings.Contains(errText, "timeout") ||
		strings.Contains(errText, "connection refused") ||
		strings.Contains(errText, "transport send")
}
