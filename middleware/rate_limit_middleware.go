package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"lightbus/message"
)

// RateLimit rejects requests beyond the token-bucket rate with an error
// response, protecting handlers from a flooding caller.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.NewErrorResponse(req, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
