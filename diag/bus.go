package diag

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-instr/logger"
)

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is given a
// non-positive buffer.
const DefaultSubscriberBuffer = 64

// Bus fans events out to subscribers. A slow subscriber loses events instead of
// blocking the publisher. A nil *Bus discards everything.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish stamps e with an ID and time when unset and delivers it to every subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	e.stamp()

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving published events and a function that
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)

		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}

	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Sink consumes events.
type Sink interface {
	Handle(e Event) error
}

// Attach pumps events from a new subscription into sink until ctx is done or the bus
// closes. Sink errors are logged with l and do not stop the pump. The returned channel
// is closed when the pump exits.
func (b *Bus) Attach(ctx context.Context, sink Sink, buffer int, l logger.Logger) <-chan struct{} {
	if l == nil {
		l = logger.GetLogger()
	}
	events, cancel := b.Subscribe(buffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if err := sink.Handle(e); err != nil {
					l.Warn("diag: sink failed", "kind", e.Kind, "address", e.Address, "error", err)
				}
			}
		}
	}()

	return done
}
