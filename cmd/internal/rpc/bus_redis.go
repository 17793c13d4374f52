package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPollTimeout  = 1 * time.Second
	redisRetryBackoff = 250 * time.Millisecond
)

// RedisBus implements Bus on Redis: lists for queues, pub/sub for topics.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	done   chan struct{}
}

// NewRedisBus wraps an existing client. The caller owns the client lifecycle.
func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, log: log, done: make(chan struct{})}
}

var _ Bus = (*RedisBus)(nil)

// Send pushes msg onto the queue list.
func (b *RedisBus) Send(ctx context.Context, queue string, msg []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.rdb.LPush(ctx, queue, msg).Err()
}

// Consume pops from the queue list with BRPOP until ctx is done.
func (b *RedisBus) Consume(ctx context.Context, queue string, h Handler) error {
	if b.isClosed() {
		return ErrClosed
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			default:
			}

			res, err := b.rdb.BRPop(ctx, redisPollTimeout, queue).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil || b.isClosed() {
					return
				}
				b.log.Warn("rpc.bus.redis.consume.fail", "queue", queue, "err", err)
				sleepCtx(ctx, redisRetryBackoff)
				continue
			}
			// BRPOP returns [key, value].
			if len(res) != 2 {
				continue
			}
			h(ctx, []byte(res[1]))
		}
	}()
	return nil
}

// Publish sends msg on the topic channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, msg []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.rdb.Publish(ctx, topic, msg).Err()
}

// Subscribe waits for the subscription to be confirmed before returning.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	if b.isClosed() {
		return ErrClosed
	}

	ps := b.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer func() { _ = ps.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				h(ctx, []byte(m.Payload))
			}
		}
	}()
	return nil
}

// Close stops consumers and closes subscriptions. The Redis client is not closed.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)

	var errs []error
	for _, ps := range b.subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	return errors.Join(errs...)
}

func (b *RedisBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
