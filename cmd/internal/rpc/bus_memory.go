package rpc

import (
	"context"
	"sync"
)

const memoryBufferSize = 1024

// MemoryBus is an in-process Bus for tests and single-process deployments.
type MemoryBus struct {
	mu     sync.RWMutex
	queues map[string]chan []byte
	topics map[string][]*memorySub
	closed bool
	done   chan struct{}
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
}

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues: make(map[string]chan []byte),
		topics: make(map[string][]*memorySub),
		done:   make(chan struct{}),
	}
}

var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) queue(name string) (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = make(chan []byte, memoryBufferSize)
		b.queues[name] = q
	}
	return q, nil
}

// Send enqueues msg. It blocks only while the queue buffer is full.
func (b *MemoryBus) Send(ctx context.Context, queue string, msg []byte) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	select {
	case q <- clone(msg):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Consume starts a competing consumer on queue.
func (b *MemoryBus) Consume(ctx context.Context, queue string, h Handler) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg := <-q:
				h(ctx, msg)
			}
		}
	}()
	return nil
}

// Publish delivers msg to every current subscriber of topic.
// Each subscriber receives messages in publish order.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memorySub(nil), b.topics[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- clone(msg):
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	return nil
}

// Subscribe registers h on topic until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	s := &memorySub{ch: make(chan []byte, memoryBufferSize), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.topics[topic] = append(b.topics[topic], s)
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		defer b.unsubscribe(topic, s)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg := <-s.ch:
				h(ctx, msg)
			}
		}
	}()
	return nil
}

func (b *MemoryBus) unsubscribe(topic string, s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, cur := range subs {
		if cur == s {
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

// Close stops all consumers and subscribers (idempotent).
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
