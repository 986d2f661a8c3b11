// Package event implements the broadcast half of the bus: fire-and-forget
// publication and ordered, failure-isolated delivery to listeners.
//
// Listeners for one event share a single transport subscription: the first
// Listen joins the topic, later listeners piggyback on it, and the last
// Cancel tears it down. This keeps one broker subscription per event no
// matter how many callbacks are attached.
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lightbus/api"
	"lightbus/codec"
	"lightbus/message"
	"lightbus/transport"
)

// Callback handles one delivered event. Callbacks for the same event run
// sequentially in registration order; a panicking callback is isolated and
// reported, and the remaining callbacks still run.
type Callback func(ctx context.Context, msg *message.Message)

// BusConfig carries the event bus knobs. The zero value gives working
// defaults.
type BusConfig struct {
	Logger          *zap.Logger
	MaxSendAttempts int
	RetryBaseDelay  time.Duration
}

// Bus publishes events and routes deliveries to registered listeners.
type Bus struct {
	transport transport.Transport
	codec     codec.Codec
	registry  *api.Registry
	logger    *zap.Logger

	maxSendAttempts int
	retryBaseDelay  time.Duration

	mu     sync.RWMutex
	topics map[string]*topicListeners
	nextID int
}

// topicListeners groups every listener sharing one transport subscription.
type topicListeners struct {
	sub *transport.Subscription
	// ordered: delivery follows registration order.
	listeners []*Listener
}

// Listener is the handle returned by Listen. Cancel is idempotent.
type Listener struct {
	id       int
	topic    string
	callback Callback
	bus      *Bus

	once sync.Once
}

// Cancel unregisters the callback. When it was the topic's last listener the
// underlying transport subscription is torn down too.
func (l *Listener) Cancel() {
	l.once.Do(func() { l.bus.removeListener(l) })
}

func NewBus(t transport.Transport, c codec.Codec, reg *api.Registry, cfg BusConfig) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		transport:       t,
		codec:           c,
		registry:        reg,
		logger:          logger.Named("events"),
		maxSendAttempts: cfg.MaxSendAttempts,
		retryBaseDelay:  cfg.RetryBaseDelay,
		topics:          make(map[string]*topicListeners),
	}
}

// Publish broadcasts api.event with the given payload. It returns once the
// transport has accepted the message; no listener acknowledgment is awaited.
// Transient send failures are retried a bounded number of times before the
// error surfaces.
func (b *Bus) Publish(ctx context.Context, apiName, eventName string, payload []byte) error {
	if _, err := b.registry.ResolveEvent(apiName, eventName); err != nil {
		return err
	}
	msg := message.NewEvent(apiName, eventName, payload)
	data, err := b.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return transport.SendWithRetry(ctx, b.transport,
		message.EventTopic(apiName, eventName), data, b.maxSendAttempts, b.retryBaseDelay)
}

// Listen registers cb for api.event and returns its handle.
func (b *Bus) Listen(apiName, eventName string, cb Callback) (*Listener, error) {
	if _, err := b.registry.ResolveEvent(apiName, eventName); err != nil {
		return nil, err
	}
	topic := message.EventTopic(apiName, eventName)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	l := &Listener{id: b.nextID, topic: topic, callback: cb, bus: b}

	group, ok := b.topics[topic]
	if !ok {
		sub, err := b.transport.Subscribe(topic, b.onEvent)
		if err != nil {
			return nil, err
		}
		group = &topicListeners{sub: sub}
		b.topics[topic] = group
	}
	group.listeners = append(group.listeners, l)
	return l, nil
}

// Close cancels every listener and their transport subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, group := range b.topics {
		group.sub.Unsubscribe()
		delete(b.topics, topic)
	}
	return nil
}

func (b *Bus) removeListener(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.topics[l.topic]
	if !ok {
		return
	}
	for i, cur := range group.listeners {
		if cur.id == l.id {
			group.listeners = append(group.listeners[:i], group.listeners[i+1:]...)
			break
		}
	}
	if len(group.listeners) == 0 {
		group.sub.Unsubscribe()
		delete(b.topics, l.topic)
	}
}

// onEvent dispatches one delivery to the topic's listeners, in registration
// order. Duplicate deliveries re-run the same loop; no internal state is
// affected, so at-least-once brokers are safe.
func (b *Bus) onEvent(topic string, data []byte) {
	msg, err := b.codec.Decode(data)
	if err != nil {
		b.logger.Warn("dropping undecodable event",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	if msg.Kind != message.KindEvent {
		b.logger.Warn("dropping non-event on event topic",
			zap.String("topic", topic), zap.String("kind", string(msg.Kind)))
		return
	}

	b.mu.RLock()
	group, ok := b.topics[topic]
	var snapshot []*Listener
	if ok {
		snapshot = append(snapshot, group.listeners...)
	}
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.invoke(l, msg)
	}
}

// invoke runs one callback, converting a panic into a reported listener
// error so the remaining callbacks still get the event.
func (b *Bus) invoke(l *Listener, msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener failed",
				zap.String("event", msg.CanonicalName()),
				zap.Int("listener_id", l.id),
				zap.Any("panic", r))
		}
	}()
	l.callback(context.Background(), msg)
}
