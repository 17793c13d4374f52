package realtime

import (
	"context"
	"slices"
	"sync"
)

const memoryFanoutBuffer = 1024

// MemoryBroadcaster fans deliveries out in-process. Several routers sharing
// one MemoryBroadcaster behave like nodes sharing a Redis channel.
type MemoryBroadcaster struct {
	mu     sync.RWMutex
	subs   []*memoryFanoutSub
	closed bool
	done   chan struct{}
}

type memoryFanoutSub struct {
	ch   chan Delivery
	done chan struct{}
}

// NewMemoryBroadcaster constructs an empty MemoryBroadcaster.
func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{done: make(chan struct{})}
}

var _ Broadcaster = (*MemoryBroadcaster)(nil)

// Publish hands d to every subscriber, blocking only while a subscriber buffer is full.
func (b *MemoryBroadcaster) Publish(ctx context.Context, d Delivery) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBroadcasterClosed
	}
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- d:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrBroadcasterClosed
		}
	}
	return nil
}

// Subscribe registers h synchronously and serves it from one goroutine.
func (b *MemoryBroadcaster) Subscribe(ctx context.Context, h func(Delivery)) error {
	s := &memoryFanoutSub{ch: make(chan Delivery, memoryFanoutBuffer), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBroadcasterClosed
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		defer b.unsubscribe(s)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case d := <-s.ch:
				h(d)
			}
		}
	}()
	return nil
}

func (b *MemoryBroadcaster) unsubscribe(s *memoryFanoutSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(cur *memoryFanoutSub) bool { return cur == s })
}

// Close stops all subscribers (idempotent).
func (b *MemoryBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
