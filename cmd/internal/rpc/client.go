package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const codeClosed = "closed"

// DefaultTimeout bounds a Call when neither the client nor the call sets one.
const DefaultTimeout = 5 * time.Second

// Caller is the request/reply surface consumed by typed service clients.
type Caller interface {
	Call(ctx context.Context, target, operation string, req, resp any, opts ...CallOption) error
	Broadcast(ctx context.Context, target, operation string, payload any) error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Node identifies this process; replies are addressed to ReplyTopic(Node).
	Node    string
	Timeout time.Duration
	Log     *slog.Logger
	Metrics *Metrics
}

// Client issues RPC calls and tracks one pending entry per correlation id.
type Client struct {
	bus     Bus
	node    string
	timeout time.Duration
	log     *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending map[string]chan Reply
	closed  bool

	cancel context.CancelFunc
}

var _ Caller = (*Client)(nil)

// CallOption customizes a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the client timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewClient subscribes to the reply topic for cfg.Node and returns a ready Client.
func NewClient(ctx context.Context, bus Bus, cfg ClientConfig) (*Client, error) {
	if bus == nil {
		return nil, errors.New("rpc: nil bus")
	}
	if cfg.Node == "" {
		cfg.Node = uuid.NewString()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	subCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		bus:     bus,
		node:    cfg.Node,
		timeout: cfg.Timeout,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		pending: make(map[string]chan Reply),
		cancel:  cancel,
	}

	if err := bus.Subscribe(subCtx, ReplyTopic(c.node), c.onReply); err != nil {
		cancel()
		return nil, fmt.Errorf("rpc: subscribe replies: %w", err)
	}
	return c, nil
}

// Node returns the client node id.
func (c *Client) Node() string { return c.node }

// Call sends req to target.operation and decodes the reply into resp (when non-nil).
//
// It returns *TimeoutError when no reply arrives within the deadline,
// *RemoteError when the peer reports a failure, and ctx.Err() when the caller
// cancels first.
func (c *Client) Call(ctx context.Context, target, operation string, req, resp any, opts ...CallOption) error {
	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	outcome := "ok"
	defer func() { c.metrics.observeCall(target, operation, outcome, time.Since(start)) }()

	payload, err := marshalPayload(req)
	if err != nil {
		outcome = "encode_error"
		return fmt.Errorf("rpc %s.%s: encode request: %w", target, operation, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	id := uuid.NewString()
	ch, err := c.register(id)
	if err != nil {
		outcome = "closed"
		return err
	}
	defer c.unregister(id)

	deadline, _ := callCtx.Deadline()
	msg, err := json.Marshal(Request{
		Operation:     operation,
		Payload:       payload,
		CorrelationID: id,
		ReplyTo:       ReplyTopic(c.node),
		Deadline:      deadline,
	})
	if err != nil {
		outcome = "encode_error"
		return err
	}

	if err := c.bus.Send(callCtx, QueueName(target), msg); err != nil {
		if callCtx.Err() != nil {
			outcome, err = c.ctxOutcome(ctx, callCtx, target, operation, start)
			return err
		}
		outcome = "send_error"
		return fmt.Errorf("rpc %s.%s: send: %w", target, operation, err)
	}

	select {
	case rep := <-ch:
		if rep.Error != nil && rep.Error.Code == codeClosed {
			outcome = "closed"
			return ErrClosed
		}
		if rep.Error != nil {
			outcome = "remote_error"
			rerr := &RemoteError{Target: target, Operation: operation, Code: rep.Error.Code, Message: rep.Error.Message}
			c.log.Info("rpc.call.remote_error", "target", target, "operation", operation, "code", rep.Error.Code)
			return rerr
		}
		if resp != nil && len(rep.Payload) > 0 {
			if err := json.Unmarshal(rep.Payload, resp); err != nil {
				outcome = "decode_error"
				return fmt.Errorf("rpc %s.%s: decode reply: %w", target, operation, err)
			}
		}
		return nil
	case <-callCtx.Done():
		outcome, err = c.ctxOutcome(ctx, callCtx, target, operation, start)
		return err
	}
}

// ctxOutcome classifies a finished call context. After is the time actually
// waited, which is shorter than the call timeout when the caller's own
// deadline fired first.
func (c *Client) ctxOutcome(parent, callCtx context.Context, target, operation string, start time.Time) (string, error) {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return "canceled", parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		waited := time.Since(start)
		c.log.Info("rpc.call.timeout", "target", target, "operation", operation, "after", waited)
		return "timeout", &TimeoutError{Target: target, Operation: operation, After: waited}
	}
	return "canceled", callCtx.Err()
}

// Broadcast publishes a command to every instance of target. There is no reply.
func (c *Client) Broadcast(ctx context.Context, target, operation string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("rpc %s.%s: encode command: %w", target, operation, err)
	}
	msg, err := json.Marshal(Command{Operation: operation, Payload: raw, Origin: c.node})
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, BroadcastTopic(target), msg); err != nil {
		return fmt.Errorf("rpc %s.%s: broadcast: %w", target, operation, err)
	}
	return nil
}

// Health calls the built-in health operation of target.
func (c *Client) Health(ctx context.Context, target string, timeout time.Duration) (HealthStatus, error) {
	var st HealthStatus
	err := c.Call(ctx, target, OpHealth, nil, &st, WithTimeout(timeout))
	return st, err
}

// Close fails every pending call with ErrClosed and stops the reply subscription.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- Reply{CorrelationID: id, Error: &ReplyError{Code: codeClosed}}
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Client) register(id string) (chan Reply, error) {
	ch := make(chan Reply, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, dup := c.pending[id]; dup {
		return nil, fmt.Errorf("rpc: correlation id collision: %s", id)
	}
	c.pending[id] = ch
	c.metrics.pendingAdd(1)
	return ch, nil
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.metrics.pendingAdd(-1)
}

func (c *Client) onReply(_ context.Context, msg []byte) {
	var rep Reply
	if err := json.Unmarshal(msg, &rep); err != nil {
		c.log.Warn("rpc.reply.bad_json", "err", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[rep.CorrelationID]
	if ok {
		delete(c.pending, rep.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.lateReply()
		c.log.Debug("rpc.reply.late", "correlation_id", rep.CorrelationID)
		return
	}
	// Buffered with capacity 1 and removed from pending above: never blocks.
	ch <- rep
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
