// Package rpc implements the request/response core of the bus: the
// Dispatcher correlates outgoing requests with incoming responses, and the
// Server consumes requests for locally served procedures.
//
// The key mechanism mirrors a multiplexed RPC client: each request gets a
// unique correlation id and a pending-table entry, the caller suspends on a
// per-call channel, and incoming responses are routed by correlation id —
// never by arrival order.
//
//	goroutine-1 ──Call(cid=a)──┐
//	goroutine-2 ──Call(cid=b)──┼──→ transport ──→ responder
//	goroutine-3 ──Call(cid=c)──┘
//
//	reply topic cid=b → pending[b].result ← response → goroutine-2 wakes up
package rpc

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

const (
	// DefaultTimeout bounds calls that pass no explicit timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultSweepInterval bounds how late a timeout can be detected.
	DefaultSweepInterval = 250 * time.Millisecond

	// DefaultMaxSendAttempts bounds transport send retries per call.
	DefaultMaxSendAttempts = 3

	defaultRetryBaseDelay = 50 * time.Millisecond
)

// DispatcherConfig carries the dispatcher knobs. The zero value gives
// working defaults.
type DispatcherConfig struct {
	Logger          *zap.Logger
	DefaultTimeout  time.Duration
	SweepInterval   time.Duration
	MaxSendAttempts int
	RetryBaseDelay  time.Duration
}

// Dispatcher turns local procedure calls into correlated request messages
// and resolves them when the matching response arrives, the deadline passes,
// or the caller cancels.
type Dispatcher struct {
	transport transport.Transport
	codec     codec.Codec
	registry  *api.Registry
	logger    *zap.Logger
	pending   *pendingTable

	defaultTimeout  time.Duration
	sweepInterval   time.Duration
	maxSendAttempts int
	retryBaseDelay  time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher and starts its timeout sweeper.
// Callers must Close it to stop the sweeper and fail outstanding calls.
func NewDispatcher(t transport.Transport, c codec.Codec, reg *api.Registry, cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		transport:       t,
		codec:           c,
		registry:        reg,
		logger:          logger.Named("dispatcher"),
		pending:         newPendingTable(),
		defaultTimeout:  cfg.DefaultTimeout,
		sweepInterval:   cfg.SweepInterval,
		maxSendAttempts: cfg.MaxSendAttempts,
		retryBaseDelay:  cfg.RetryBaseDelay,
		done:            make(chan struct{}),
	}
	if d.defaultTimeout <= 0 {
		d.defaultTimeout = DefaultTimeout
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = DefaultSweepInterval
	}
	if d.maxSendAttempts <= 0 {
		d.maxSendAttempts = DefaultMaxSendAttempts
	}
	if d.retryBaseDelay <= 0 {
		d.retryBaseDelay = defaultRetryBaseDelay
	}
	go d.sweepLoop()
	return d
}

// Call invokes api.procedure remotely and suspends until the correlated
// response arrives, the timeout elapses, or ctx is cancelled. A timeout of
// zero means the dispatcher default.
//
// Concurrent calls are independent: each gets its own correlation id, reply
// subscription and pending entry.
func (d *Dispatcher) Call(ctx context.Context, apiName, procedure string, payload []byte, timeout time.Duration) ([]byte, error) {
	if _, err := d.registry.Resolve(apiName, procedure); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	req := message.NewRequest(apiName, procedure, payload)
	call := &pendingCall{
		id:        req.CorrelationID,
		procedure: req.CanonicalName(),
		deadline:  time.Now().Add(timeout),
		result:    make(chan callResult, 1),
	}

	// Subscribe the per-call reply topic BEFORE sending, so the response
	// cannot slip past between send and subscribe.
	sub, err := d.transport.Subscribe(req.ReplyTopic(), d.onResponse)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := d.pending.add(call); err != nil {
		return nil, err
	}

	data, err := d.codec.Encode(req)
	if err != nil {
		d.pending.take(call.id)
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := d.send(ctx, message.RPCTopic(apiName, procedure), data); err != nil {
		d.pending.take(call.id)
		return nil, err
	}

	select {
	case res := <-call.result:
		return res.payload, res.err
	case <-ctx.Done():
		// Losing the race against a resolver is fine: if the entry is
		// already gone the result is in the channel, so honor it.
		if _, ok := d.pending.take(call.id); !ok {
			res := <-call.result
			return res.payload, res.err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCallCancelled, call.procedure, ctx.Err())
	}
}

// PendingCalls reports the number of in-flight calls.
func (d *Dispatcher) PendingCalls() int {
	return d.pending.len()
}

// Close stops the sweeper and fails every outstanding call with
// ErrDispatcherClosed. Safe to call more than once.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		for _, c := range d.pending.drain() {
			c.resolve(callResult{err: fmt.Errorf("%w: %s", ErrDispatcherClosed, c.procedure)})
		}
	})
	return nil
}

// onResponse routes one incoming response to its suspended caller.
// A response with no matching pending call — duplicate, late, or foreign —
// is dropped and logged, never an error.
func (d *Dispatcher) onResponse(topic string, data []byte) {
	msg, err := d.codec.Decode(data)
	if err != nil {
		d.logger.Warn("dropping undecodable response",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	if msg.Kind != message.KindResponse {
		d.logger.Warn("dropping non-response on reply topic",
			zap.String("topic", topic), zap.String("kind", string(msg.Kind)))
		return
	}

	call, ok := d.pending.take(msg.CorrelationID)
	if !ok {
		d.logger.Debug("dropping unmatched response",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("procedure", msg.CanonicalName()))
		return
	}

	if msg.Error != "" {
		call.resolve(callResult{err: &RemoteError{Procedure: call.procedure, Message: msg.Error}})
		return
	}
	call.resolve(callResult{payload: msg.Payload})
}

// sweepLoop periodically fails calls whose deadline has passed. The
// interval bounds both timeout detection latency and pending-table growth
// when responders die.
func (d *Dispatcher) sweepLoop() {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for _, c := range d.pending.expire(now) {
				d.logger.Info("call timed out",
					zap.String("procedure", c.procedure),
					zap.String("correlation_id", c.id))
				c.resolve(callResult{err: fmt.Errorf("%w: %s", ErrCallTimeout, c.procedure)})
			}
		case <-d.done:
			return
		}
	}
}

// send publishes with bounded retry. A cancellation while waiting between
// attempts surfaces as ErrCallCancelled; the final transport error is
// returned as-is, nothing is swallowed.
func (d *Dispatcher) send(ctx context.Context, topic string, data []byte) error {
	err := transport.SendWithRetry(ctx, d.transport, topic, data, d.maxSendAttempts, d.retryBaseDelay)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCallCancelled, ctx.Err())
	}
	return err
}
