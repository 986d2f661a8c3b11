// Package transport abstracts the message broker behind a uniform
// publish/subscribe surface.
//
// The bus core never talks to a broker directly; it sends opaque bytes to a
// topic and registers handlers for topics. Two implementations ship with the
// module: Memory (process-local, used in tests and single-process setups) and
// Libp2p (gossipsub between processes). Both preserve at-least-once delivery:
// a message accepted by Send is either delivered to every live subscription
// or the failure surfaces as a *transport.Error — never dropped silently.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// Handler receives one raw message delivered on a subscribed topic.
// Handlers on a single subscription are invoked sequentially, in
// delivery order.
type Handler func(topic string, data []byte)

// Transport is the uniform send/receive interface over the broker.
type Transport interface {
	// Send publishes data on topic. It fails with *Error on connect or
	// publish failure; it never blocks past ctx.
	Send(ctx context.Context, topic string, data []byte) error

	// Subscribe registers a handler for topic and returns its handle.
	Subscribe(topic string, h Handler) (*Subscription, error)

	// Close tears down every subscription and the broker connection.
	Close() error
}

// Error wraps a transport-level failure with the topic it occurred on.
type Error struct {
	Op    string // "send", "subscribe", "close"
	Topic string
	Err   error
}

func (e *Error) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Subscription is the handle returned by Subscribe. Unsubscribe is
// idempotent and safe to call from any goroutine.
type Subscription struct {
	Topic string

	once   sync.Once
	cancel func()
}

func newSubscription(topic string, cancel func()) *Subscription {
	return &Subscription{Topic: topic, cancel: cancel}
}

// Unsubscribe removes the handler. After it returns no further deliveries
// are started, though a delivery already in flight may still complete.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}
