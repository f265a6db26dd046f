package pubsub

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus used by tests. Handlers run synchronously
// on the publisher's goroutine.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	closed   bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	if len(payload) > MaxNotifyPayload {
		return ErrPayloadTooLarge
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	handlers := append([]Handler(nil), b.handlers[channel]...)
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(channel string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = append(b.handlers[channel], handler)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
