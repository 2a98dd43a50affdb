package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBusShutdown is returned by Post after Shutdown.
var ErrBusShutdown = errors.New("event bus is shut down")

// Event is the envelope for everything published on the EventBus.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      EventType
	Payload   interface{}
}

// EventBus fans turn events out to subscribers. Sends block when a
// subscriber's buffer is full, and every delivered event must be acknowledged
// before Shutdown returns.
type EventBus struct {
	logger *zap.Logger

	subscribers map[EventType][]chan Event
	mu          sync.RWMutex
	bufferSize  int

	processingWg  sync.WaitGroup
	activePostsWg sync.WaitGroup

	isShutdown bool
	shutdownMu sync.Mutex
}

func NewEventBus(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Post publishes an event to every subscriber of its type.
func (b *EventBus) Post(ctx context.Context, ev Event) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrBusShutdown
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	// A send on a channel closed by Shutdown lands here.
	defer func() {
		if r := recover(); r != nil {
			b.processingWg.Done()
			b.logger.Debug("Recovered from send during shutdown.", zap.Any("panic", r))
			err = ErrBusShutdown
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[ev.Type]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	targets := make([]chan Event, len(subs))
	copy(targets, subs)
	b.mu.RUnlock()

	for _, ch := range targets {
		b.processingWg.Add(1)
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel of events of the given types (all types when
// none are given) and a function that unsubscribes and closes the channel.
func (b *EventBus) Subscribe(types ...EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(types) == 0 {
		types = AllEventTypes()
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.isClosed() {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, c := range subs {
					if c == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			// Events still buffered were never handled.
			for n := len(ch); n > 0; n-- {
				<-ch
				b.processingWg.Done()
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

func (b *EventBus) isClosed() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// Acknowledge marks an event as handled by one subscriber.
func (b *EventBus) Acknowledge(Event) {
	b.processingWg.Done()
}

// Shutdown stops new posts, closes all subscriber channels and waits until
// every delivered event has been acknowledged.
func (b *EventBus) Shutdown() {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.mu.Lock()
	unique := make(map[chan Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[EventType][]chan Event)
	b.mu.Unlock()

	b.activePostsWg.Wait()
	b.processingWg.Wait()
}
