package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lightbus/api"
	"lightbus/codec"
	"lightbus/message"
	"lightbus/middleware"
	"lightbus/transport"
)

// DefaultShutdownTimeout bounds how long Close waits for in-flight handlers.
const DefaultShutdownTimeout = 5 * time.Second

// ServerConfig carries the server knobs. The zero value gives working
// defaults.
type ServerConfig struct {
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
	MaxSendAttempts int
	RetryBaseDelay  time.Duration
}

// Server consumes RPC requests for every locally served procedure.
//
// Request processing pipeline:
//
//	transport delivery → onRequest (decode, validate)
//	  → per-request goroutine → middleware chain → procedure handler
//	  → response sent to the request's reply topic
type Server struct {
	transport transport.Transport
	codec     codec.Codec
	registry  *api.Registry
	logger    *zap.Logger

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	shutdownTimeout time.Duration
	maxSendAttempts int
	retryBaseDelay  time.Duration

	mu      sync.Mutex
	subs    []*transport.Subscription
	serving bool

	wg sync.WaitGroup // in-flight requests, for graceful shutdown
}

func NewServer(t transport.Transport, c codec.Codec, reg *api.Registry, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Server{
		transport:       t,
		codec:           c,
		registry:        reg,
		logger:          logger.Named("rpc-server"),
		shutdownTimeout: shutdownTimeout,
		maxSendAttempts: cfg.MaxSendAttempts,
		retryBaseDelay:  cfg.RetryBaseDelay,
	}
}

// Use registers a middleware. Middlewares run in the order they are added,
// outermost first.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve subscribes the request topic of every registered procedure that has
// a handler. The middleware chain is built once here, not per request.
func (s *Server) Serve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving {
		return errors.New("rpc server already serving")
	}

	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	for _, a := range s.registry.Apis() {
		for _, p := range a.Procedures() {
			if p.Handler == nil {
				continue // remote-only procedure
			}
			topic := message.RPCTopic(a.Name(), p.Name)
			sub, err := s.transport.Subscribe(topic, s.onRequest)
			if err != nil {
				for _, old := range s.subs {
					old.Unsubscribe()
				}
				s.subs = nil
				return fmt.Errorf("subscribe %s: %w", topic, err)
			}
			s.subs = append(s.subs, sub)
			s.logger.Info("serving procedure", zap.String("topic", topic))
		}
	}
	s.serving = true
	return nil
}

// Close stops consuming requests and waits for in-flight handlers up to the
// shutdown timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.serving = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.shutdownTimeout):
		return errors.New("timeout waiting for in-flight requests to finish")
	}
}

// onRequest decodes one delivery and hands it to its own goroutine, so a
// slow handler never blocks other requests on the same topic.
func (s *Server) onRequest(topic string, data []byte) {
	msg, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn("dropping undecodable request",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	if msg.Kind != message.KindRequest {
		s.logger.Warn("dropping non-request on rpc topic",
			zap.String("topic", topic), zap.String("kind", string(msg.Kind)))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleRequest(msg)
	}()
}

func (s *Server) handleRequest(req *message.Message) {
	resp := s.runPipeline(req)

	data, err := s.codec.Encode(resp)
	if err != nil {
		s.logger.Error("encode response failed",
			zap.String("procedure", req.CanonicalName()), zap.Error(err))
		return
	}
	err = transport.SendWithRetry(context.Background(), s.transport,
		req.ReplyTopic(), data, s.maxSendAttempts, s.retryBaseDelay)
	if err != nil {
		s.logger.Error("send response failed",
			zap.String("procedure", req.CanonicalName()),
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err))
	}
}

// runPipeline executes the middleware chain. Panics anywhere in the onion,
// middleware included, turn into error responses instead of taking the
// process down.
func (s *Server) runPipeline(req *message.Message) (resp *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request pipeline panicked",
				zap.String("procedure", req.CanonicalName()),
				zap.Any("panic", r))
			resp = message.NewErrorResponse(req, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return s.handler(context.Background(), req)
}

// dispatch is the business handler at the center of the middleware onion:
// resolve the procedure and run it. A panicking handler is recovered and
// reported to the caller as an error response.
func (s *Server) dispatch(ctx context.Context, req *message.Message) (resp *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				zap.String("procedure", req.CanonicalName()),
				zap.Any("panic", r))
			resp = message.NewErrorResponse(req, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	proc, err := s.registry.Resolve(req.Api, req.Name)
	if err != nil {
		return message.NewErrorResponse(req, err.Error())
	}
	if proc.Handler == nil {
		return message.NewErrorResponse(req, fmt.Sprintf("procedure %s not served here", req.CanonicalName()))
	}

	payload, err := proc.Handler(ctx, req.Payload)
	if err != nil {
		return message.NewErrorResponse(req, err.Error())
	}
	return message.NewResponse(req, payload)
}
