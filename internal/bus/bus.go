package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("message bus closed")

// MessageBus carries inbound events from transports to the orchestrator.
type MessageBus struct {
	inbound chan *Event

	mu     sync.RWMutex
	closed bool
}

// NewMessageBus creates a bus with the given buffer size.
func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &MessageBus{inbound: make(chan *Event, bufferSize)}
}

// Publish enqueues ev, waiting for buffer space until ctx is done.
func (b *MessageBus) Publish(ctx context.Context, ev *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound is the consumer side of the bus.
func (b *MessageBus) Inbound() <-chan *Event {
	return b.inbound
}

// Close stops accepting events; buffered events remain readable.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbound)
}
