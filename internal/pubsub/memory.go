package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// MemoryBroker is an in-process, goroutine-safe broker.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Publish fans the message out to every matching subscription. Each handler
// runs in its own goroutine; panics are recovered.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.closed.Load() {
		return fmt.Errorf("pubsub: broker closed")
	}

	b.mu.RLock()
	var matched []subscription
	for _, s := range b.subs {
		if Match(s.pattern, topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, s := range matched {
		b.dispatch(ctx, msg, s)
	}
	return nil
}

func (b *MemoryBroker) dispatch(ctx context.Context, msg Message, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[PUBSUB] Handler panicked", "topic", msg.Topic, "pattern", sub.pattern, "panic", r)
			}
		}()
		sub.handler(ctx, msg)
	}()
}

// Subscribe registers h for pattern.
func (b *MemoryBroker) Subscribe(_ context.Context, pattern string, h Handler) (func(), error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("pubsub: broker closed")
	}
	if pattern == "" {
		return nil, fmt.Errorf("pubsub: empty pattern")
	}
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Close rejects further publishes and waits for in-flight handlers.
// It is idempotent.
func (b *MemoryBroker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.wg.Wait()
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
