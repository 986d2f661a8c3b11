// Package middleware wraps the server-side RPC handler chain.
//
// A Middleware decorates a HandlerFunc; Chain composes them into the onion
// model: Chain(A, B, C)(handler) → A(B(C(handler))).
package middleware

import (
	"context"

	"lightbus/message"
)

// HandlerFunc processes one request envelope and returns the response
// envelope. A failed handler returns a response with a non-empty Error.
type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into a single middleware, applied in order.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
