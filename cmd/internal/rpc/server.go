package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc serves one request/reply operation.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// CommandFunc serves one broadcast command.
type CommandFunc func(ctx context.Context, payload json.RawMessage) error

// ServerConfig configures a Server.
type ServerConfig struct {
	// Service is the logical name callers address (e.g. "identity").
	Service string
	Node    string
	// Workers bounds concurrently running handlers.
	Workers int
	// MaxHandlerTime caps handler runtime when the request carries no deadline.
	MaxHandlerTime time.Duration
	Log            *slog.Logger
	Metrics        *Metrics
}

// Server dispatches requests from its service queue and commands from its
// broadcast topic to registered handlers.
type Server struct {
	bus     Bus
	cfg     ServerConfig
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	commands map[string]CommandFunc

	sem     chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewServer constructs a Server with the health operation pre-registered.
func NewServer(bus Bus, cfg ServerConfig) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 64
	}
	if cfg.MaxHandlerTime <= 0 {
		cfg.MaxHandlerTime = DefaultTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	s := &Server{
		bus:      bus,
		cfg:      cfg,
		log:      cfg.Log.With("service", cfg.Service),
		metrics:  cfg.Metrics,
		handlers: make(map[string]HandlerFunc),
		commands: make(map[string]CommandFunc),
		sem:      make(chan struct{}, cfg.Workers),
	}

	s.Handle(OpHealth, func(_ context.Context, _ json.RawMessage) (any, error) {
		return HealthStatus{Service: cfg.Service, Node: cfg.Node, Time: time.Now().UTC()}, nil
	})
	return s
}

// Service returns the served service name.
func (s *Server) Service() string { return s.cfg.Service }

// Handle registers h for operation, replacing any previous handler.
func (s *Server) Handle(operation string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[operation] = h
	s.mu.Unlock()
}

// HandleCommand registers h for a broadcast command.
func (s *Server) HandleCommand(operation string, h CommandFunc) {
	s.mu.Lock()
	s.commands[operation] = h
	s.mu.Unlock()
}

// Start begins consuming requests and commands until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("rpc: server already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.bus.Consume(ctx, QueueName(s.cfg.Service), s.onRequest); err != nil {
		return fmt.Errorf("rpc: consume %s: %w", s.cfg.Service, err)
	}
	if err := s.bus.Subscribe(ctx, BroadcastTopic(s.cfg.Service), s.onCommand); err != nil {
		return fmt.Errorf("rpc: subscribe %s: %w", s.cfg.Service, err)
	}

	s.log.Info("rpc.server.start", "node", s.cfg.Node, "workers", s.cfg.Workers)
	return nil
}

// Wait blocks until in-flight handlers finish.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) onRequest(ctx context.Context, msg []byte) {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		s.log.Warn("rpc.request.bad_json", "err", err)
		return
	}
	if req.CorrelationID == "" || req.ReplyTo == "" {
		s.log.Warn("rpc.request.invalid", "operation", req.Operation)
		return
	}

	now := time.Now()
	if !req.Deadline.IsZero() && !req.Deadline.After(now) {
		s.metrics.observeServed(s.cfg.Service, req.Operation, "expired")
		s.log.Debug("rpc.request.expired", "operation", req.Operation, "correlation_id", req.CorrelationID)
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.serve(ctx, req)
	}()
}

func (s *Server) serve(parent context.Context, req Request) {
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(s.cfg.MaxHandlerTime)
	}
	ctx, cancel := context.WithDeadline(parent, deadline)
	defer cancel()

	s.mu.RLock()
	h, ok := s.handlers[req.Operation]
	s.mu.RUnlock()

	rep := Reply{CorrelationID: req.CorrelationID}
	outcome := "ok"

	switch {
	case !ok:
		outcome = "no_handler"
		rep.Error = &ReplyError{Code: CodeNoHandler, Message: fmt.Sprintf("%s: %s", ErrNoHandler, req.Operation)}
	default:
		out, err := safeCall(ctx, h, req.Payload)
		if err != nil {
			code, msg := codeOf(err)
			outcome = "error"
			rep.Error = &ReplyError{Code: code, Message: msg}
			if code == CodeInternal {
				s.log.Error("rpc.handler.fail", "operation", req.Operation, "err", err)
			}
			break
		}
		if out != nil {
			raw, err := marshalPayload(out)
			if err != nil {
				outcome = "encode_error"
				rep.Error = &ReplyError{Code: CodeInternal, Message: "encode reply"}
				s.log.Error("rpc.reply.encode.fail", "operation", req.Operation, "err", err)
				break
			}
			rep.Payload = raw
		}
	}
	s.metrics.observeServed(s.cfg.Service, req.Operation, outcome)

	msg, err := json.Marshal(rep)
	if err != nil {
		s.log.Error("rpc.reply.marshal.fail", "operation", req.Operation, "err", err)
		return
	}
	// The reply is published even past the deadline; the caller drops it as late.
	pubCtx, pubCancel := context.WithTimeout(parent, s.cfg.MaxHandlerTime)
	defer pubCancel()
	if err := s.bus.Publish(pubCtx, req.ReplyTo, msg); err != nil {
		s.log.Warn("rpc.reply.publish.fail", "operation", req.Operation, "err", err)
	}
}

func (s *Server) onCommand(ctx context.Context, msg []byte) {
	var cmd Command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		s.log.Warn("rpc.command.bad_json", "err", err)
		return
	}

	s.mu.RLock()
	h, ok := s.commands[cmd.Operation]
	s.mu.RUnlock()
	if !ok {
		s.log.Debug("rpc.command.unhandled", "operation", cmd.Operation)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.MaxHandlerTime)
	defer cancel()

	// Commands run inline so that a node applies them in publish order.
	if err := h(cctx, cmd.Payload); err != nil {
		s.metrics.observeServed(s.cfg.Service, cmd.Operation, "error")
		s.log.Warn("rpc.command.fail", "operation", cmd.Operation, "origin", cmd.Origin, "err", err)
		return
	}
	s.metrics.observeServed(s.cfg.Service, cmd.Operation, "ok")
}

func safeCall(ctx context.Context, h HandlerFunc, payload json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}

// Decode unmarshals payload into dst, reporting CodeInvalidInput on failure.
func Decode(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return Error{Code: CodeInvalidInput, Message: "missing payload"}
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return Error{Code: CodeInvalidInput, Message: "malformed payload"}
	}
	return nil
}
