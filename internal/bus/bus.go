package bus

import (
	"log/slog"
	"sync"
	"time"

	"laughingfox/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based event queue between the connection
// manager and the dispatcher.
type InMemoryBus struct {
	inbound chan domain.Event
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &InMemoryBus{
		inbound: make(chan domain.Event, bufferSize),
		logger:  logger,
	}
}

// Publish blocks up to 10 seconds if the bus is full instead of dropping.
func (b *InMemoryBus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "kind", ev.Kind)
		return
	}

	select {
	case b.inbound <- ev:
	default:
		b.logger.Warn("event bus full, waiting", "kind", ev.Kind)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- ev:
			b.logger.Info("event delivered after wait", "kind", ev.Kind)
		case <-timer.C:
			b.logger.Error("event dropped: bus full for 10s", "kind", ev.Kind)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.Event {
	return b.inbound
}

// Len returns the number of queued events.
func (b *InMemoryBus) Len() int {
	return len(b.inbound)
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
