// Package bus ties the pieces together behind one handle: register APIs,
// start serving, call procedures, publish and listen to events. A process
// constructs its own *Bus and passes it around explicitly; there is no
// package-level instance.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lightbus/api"
	"lightbus/codec"
	"lightbus/event"
	"lightbus/middleware"
	"lightbus/registry"
	"lightbus/rpc"
	"lightbus/transport"
)

// DefaultAnnounceTTL is how long an API announcement survives without a
// keepalive, in seconds.
const DefaultAnnounceTTL = 10

var (
	ErrBusStarted = errors.New("bus: already started")
	ErrBusClosed  = errors.New("bus: closed")
)

// Options tunes a Bus. The zero value works: JSON codec, nop logger, no
// announcer, dispatcher defaults for timeouts and retries.
type Options struct {
	// Codec encodes messages on the wire. Defaults to codec.JSONCodec.
	Codec codec.Codec

	Logger *zap.Logger

	// Announcer, when set, publishes which APIs this instance serves.
	// Purely informational; routing stays with the broker.
	Announcer   registry.Announcer
	AnnounceTTL int64

	// CallTimeout bounds Call when the caller passes no timeout of its
	// own. Zero means rpc.DefaultTimeout.
	CallTimeout time.Duration

	// SweepInterval controls how often expired calls are reaped.
	SweepInterval time.Duration

	// MaxSendAttempts bounds transport send retries per message.
	MaxSendAttempts int

	// Middlewares wrap every served RPC handler, outermost first.
	Middlewares []middleware.Middleware

	// InstanceID names this process in announcements. Defaults to a
	// fresh uuid.
	InstanceID string
}

// Bus is the client-side entry point to the message bus.
type Bus struct {
	transport  transport.Transport
	codec      codec.Codec
	logger     *zap.Logger
	registry   *api.Registry
	dispatcher *rpc.Dispatcher
	server     *rpc.Server
	events     *event.Bus

	announcer   registry.Announcer
	announceTTL int64
	instanceID  string

	mu        sync.Mutex
	started   bool
	closed    bool
	announced []string
}

// New builds a Bus over t. The Bus owns t from here on: Close shuts the
// transport down.
func New(t transport.Transport, opts Options) *Bus {
	if opts.Codec == nil {
		opts.Codec = &codec.JSONCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AnnounceTTL <= 0 {
		opts.AnnounceTTL = DefaultAnnounceTTL
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}

	reg := api.NewRegistry()
	logger := opts.Logger.Named("bus")

	d := rpc.NewDispatcher(t, opts.Codec, reg, rpc.DispatcherConfig{
		Logger:          opts.Logger,
		DefaultTimeout:  opts.CallTimeout,
		SweepInterval:   opts.SweepInterval,
		MaxSendAttempts: opts.MaxSendAttempts,
	})
	srv := rpc.NewServer(t, opts.Codec, reg, rpc.ServerConfig{
		Logger:          opts.Logger,
		MaxSendAttempts: opts.MaxSendAttempts,
	})
	for _, mw := range opts.Middlewares {
		srv.Use(mw)
	}

	return &Bus{
		transport:   t,
		codec:       opts.Codec,
		logger:      logger,
		registry:    reg,
		dispatcher:  d,
		server:      srv,
		events: event.NewBus(t, opts.Codec, reg, event.BusConfig{
			Logger:          opts.Logger,
			MaxSendAttempts: opts.MaxSendAttempts,
		}),
		announcer:   opts.Announcer,
		announceTTL: opts.AnnounceTTL,
		instanceID:  opts.InstanceID,
	}
}

// RegisterApi makes a's procedures and events known to the bus. Procedures
// with handlers are served once Start runs; handler-less procedures and
// events are callable/publishable immediately.
func (b *Bus) RegisterApi(a *api.Api) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.started {
		return ErrBusStarted
	}
	return b.registry.Register(a)
}

// Start begins serving registered RPC handlers and, when an announcer is
// configured, announces every API this instance serves.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.started {
		return ErrBusStarted
	}

	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("serve rpc: %w", err)
	}
	b.started = true

	if b.announcer == nil {
		return nil
	}
	inst := registry.Instance{ID: b.instanceID}
	for _, a := range b.registry.Apis() {
		if !servesAny(a) {
			continue
		}
		if err := b.announcer.Announce(a.Name(), inst, b.announceTTL); err != nil {
			b.logger.Warn("announce failed",
				zap.String("api", a.Name()),
				zap.Error(err))
			continue
		}
		b.announced = append(b.announced, a.Name())
	}
	return nil
}

// Call invokes api.procedure on whichever process serves it and returns the
// response payload. It blocks until the response arrives, the call timeout
// elapses, or ctx is cancelled.
func (b *Bus) Call(ctx context.Context, apiName, procedure string, payload []byte) ([]byte, error) {
	return b.dispatcher.Call(ctx, apiName, procedure, payload, 0)
}

// CallWithTimeout is Call with a per-call deadline overriding the bus
// default.
func (b *Bus) CallWithTimeout(ctx context.Context, apiName, procedure string, payload []byte, timeout time.Duration) ([]byte, error) {
	return b.dispatcher.Call(ctx, apiName, procedure, payload, timeout)
}

// Publish fires api.event at every current listener. Fire and forget: a nil
// error means the broker accepted the message, not that anyone handled it.
func (b *Bus) Publish(ctx context.Context, apiName, eventName string, payload []byte) error {
	return b.events.Publish(ctx, apiName, eventName, payload)
}

// Listen registers cb for api.event and returns a handle that cancels the
// registration.
func (b *Bus) Listen(apiName, eventName string, cb event.Callback) (*event.Listener, error) {
	return b.events.Listen(apiName, eventName, cb)
}

// PendingCalls reports the number of in-flight RPC calls.
func (b *Bus) PendingCalls() int {
	return b.dispatcher.PendingCalls()
}

// Close withdraws announcements, stops serving, releases in-flight calls
// and shuts the transport down. Safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	announced := b.announced
	b.announced = nil
	b.mu.Unlock()

	if b.announcer != nil {
		for _, apiName := range announced {
			if err := b.announcer.Withdraw(apiName, b.instanceID); err != nil {
				b.logger.Warn("withdraw failed",
					zap.String("api", apiName),
					zap.Error(err))
			}
		}
	}

	var errs []error
	if err := b.server.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close server: %w", err))
	}
	if err := b.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
	}
	if err := b.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event bus: %w", err))
	}
	if err := b.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}

func servesAny(a *api.Api) bool {
	for _, p := range a.Procedures() {
		if p.Handler != nil {
			return true
		}
	}
	return false
}
