package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes deliveries on a Redis pub/sub channel.
// Pub/sub is at-most-once; a node that is disconnected misses deliveries.
type RedisBroadcaster struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBroadcaster wraps an existing client. The caller owns the client.
// An empty channel selects FanoutTopic.
func NewRedisBroadcaster(rdb *redis.Client, channel string, log *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = FanoutTopic
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroadcaster{rdb: rdb, channel: channel, log: log}
}

var _ Broadcaster = (*RedisBroadcaster)(nil)

// Publish sends d with a single PUBLISH.
func (b *RedisBroadcaster) Publish(ctx context.Context, d Delivery) error {
	if b.isClosed() {
		return ErrBroadcasterClosed
	}
	msg, err := encodeDelivery(d)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, msg).Err()
}

// Subscribe waits for the subscription to be confirmed before returning.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, h func(Delivery)) error {
	if b.isClosed() {
		return ErrBroadcasterClosed
	}

	ps := b.rdb.Subscribe(ctx, b.channel)
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
			case m, ok := <-ch:
				if !ok {
					return
				}
				d, err := decodeDelivery([]byte(m.Payload))
				if err != nil {
					b.log.Warn("fanout.redis.decode.fail", "err", err)
					continue
				}
				h(d)
			}
		}
	}()
	return nil
}

// Close closes subscriptions. The Redis client is not closed.
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for _, ps := range b.subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	return errors.Join(errs...)
}

func (b *RedisBroadcaster) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
