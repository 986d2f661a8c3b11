package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lightbus/message"
)

// Logging records the procedure, duration and outcome of every request.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("procedure", req.CanonicalName()),
				zap.String("correlation_id", req.CorrelationID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != "" {
				logger.Warn("rpc handler failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("rpc handled", fields...)
			}
			return resp
		}
	}
}
