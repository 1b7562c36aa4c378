package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"guildsync/internal/domain"
)

// slowPublish is how long Publish waits before logging that the engine is
// behind. It keeps waiting afterwards; events are never dropped.
const slowPublish = 5 * time.Second

// InMemoryBus carries inbound events and outbound commands over buffered
// Go channels. Close stops new sends; the channels themselves stay open so
// a reader never sees a spurious zero value.
type InMemoryBus struct {
	events   chan domain.Event
	commands chan domain.Command
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

// New creates a bus with the given buffer size for each direction.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		events:   make(chan domain.Event, bufferSize),
		commands: make(chan domain.Command, bufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Publish enqueues an event, blocking while the bus is full.
func (b *InMemoryBus) Publish(ctx context.Context, ev domain.Event) error {
	select {
	case <-b.done:
		return domain.ErrClosed
	default:
	}
	select {
	case b.events <- ev:
		return nil
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "event", ev.String())
	timer := time.NewTimer(slowPublish)
	defer timer.Stop()
	for {
		select {
		case b.events <- ev:
			return nil
		case <-timer.C:
			b.logger.Error("engine has not drained the inbound bus", "waited", slowPublish, "event", ev.String())
		case <-b.done:
			return domain.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *InMemoryBus) Events() <-chan domain.Event {
	return b.events
}

// Submit enqueues a command for the engine.
func (b *InMemoryBus) Submit(ctx context.Context, cmd domain.Command) error {
	select {
	case <-b.done:
		return domain.ErrClosed
	default:
	}
	select {
	case b.commands <- cmd:
		return nil
	case <-b.done:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InMemoryBus) Commands() <-chan domain.Command {
	return b.commands
}

// Done is closed by Close.
func (b *InMemoryBus) Done() <-chan struct{} {
	return b.done
}

func (b *InMemoryBus) Close() {
	b.once.Do(func() { close(b.done) })
}
