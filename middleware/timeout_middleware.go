package middleware

import (
	"context"
	"time"

	"lightbus/message"
)

// Timeout bounds handler execution. A handler that overruns gets its context
// cancelled and the caller receives an error response; the handler goroutine
// is left to finish on its own.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewErrorResponse(req, "request timed out")
			}
		}
	}
}
