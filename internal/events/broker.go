package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"claimkv/internal/model"
	"claimkv/internal/registry"
)

// Envelope is an event as delivered to subscribers.
type Envelope struct {
	ID    string
	At    time.Time
	Event model.Event
}

/*
Broker delivers events to a dynamic list of subscribers:
- Emit never blocks: each subscriber has its own buffered channel and an event
  that does not fit is dropped for that subscriber only.
- Subscribers see events in emission order.
- Cancel closes the subscriber's channel; Close cancels everyone.
*/
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Envelope
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	logger  *slog.Logger
	now     func() time.Time
}

const defaultSubscriberBuffer = 64

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[uint64]chan Envelope), logger: logger, now: time.Now}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
func (b *Broker) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Envelope, buffer)

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

func (b *Broker) Emit(e model.Event) {
	env := Envelope{ID: uuid.NewString(), At: b.now().UTC(), Event: e}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.dropped.Add(1)
			b.logger.Warn("dropping event for slow subscriber",
				slog.Uint64("subscriber", id),
				slog.String("event_id", env.ID))
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broker) Close() {
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

var _ registry.EventSink = (*Broker)(nil)
