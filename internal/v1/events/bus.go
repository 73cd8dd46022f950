package events

import (
	"sync"

	"github.com/robolinkhq/session-manager/internal/v1/metrics"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Subscription is a handle to one subscriber's event stream. C is closed when
// the subscription is cancelled, the session channel is torn down, or the
// subscriber lagged behind and was dropped.
type Subscription struct {
	C <-chan Event

	ch        chan Event
	bus       *Bus
	sessionID types.SessionIdType // empty for global subscriptions
	id        uint64

	mu     sync.Mutex
	closed bool
	lagged bool
}

// Cancel detaches the subscription and closes its channel. Safe to call more
// than once and concurrently with Publish.
func (s *Subscription) Cancel() {
	s.bus.remove(s)
	s.close(false)
}

// Lagged reports whether the subscription was dropped for falling behind.
// Meaningful once C is closed.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

func (s *Subscription) close(lagged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.lagged = lagged
	close(s.ch)
}

// trySend enqueues without blocking. Returns false when the buffer is full,
// meaning the subscriber must be dropped.
func (s *Subscription) trySend(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Bus is a two-layer fan-out: one global channel set plus lazily created
// per-session channel sets. Publishing never blocks on any subscriber; a
// subscriber that cannot keep up is closed with a lag indication instead.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	buffer  int
	global  map[uint64]*Subscription
	session map[types.SessionIdType]map[uint64]*Subscription
}

// NewBus creates a bus with the given per-subscriber buffer capacity.
// A capacity <= 0 falls back to DefaultBufferSize.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		buffer:  buffer,
		global:  make(map[uint64]*Subscription),
		session: make(map[types.SessionIdType]map[uint64]*Subscription),
	}
}

// SubscribeGlobal attaches a subscriber to every event published from now on.
func (b *Bus) SubscribeGlobal() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.newSubscriptionLocked("")
	b.global[sub.id] = sub
	return sub
}

// SubscribeSession attaches a subscriber to a single session's events. The
// per-session channel set is created lazily on first subscription.
func (b *Bus) SubscribeSession(id types.SessionIdType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.newSubscriptionLocked(id)
	subs, ok := b.session[id]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.session[id] = subs
	}
	subs[sub.id] = sub
	return sub
}

func (b *Bus) newSubscriptionLocked(sessionID types.SessionIdType) *Subscription {
	b.nextID++
	ch := make(chan Event, b.buffer)
	return &Subscription{
		C:         ch,
		ch:        ch,
		bus:       b,
		sessionID: sessionID,
		id:        b.nextID,
	}
}

// Publish fans the event out to the session's subscribers and to all global
// subscribers. It returns after enqueueing and never waits on consumption.
func (b *Bus) Publish(ev Event) {
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()

	var dropped []*Subscription
	b.mu.RLock()
	if subs, ok := b.session[ev.SessionID]; ok {
		for _, sub := range subs {
			if !sub.trySend(ev) {
				dropped = append(dropped, sub)
			}
		}
	}
	for _, sub := range b.global {
		if !sub.trySend(ev) {
			dropped = append(dropped, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range dropped {
		metrics.SubscribersDropped.Inc()
		b.remove(sub)
		sub.close(true)
	}
}

// CloseSession tears down the per-session channel set once the session has
// terminated. Remaining subscriber channels are closed; events already
// buffered stay readable until drained.
func (b *Bus) CloseSession(id types.SessionIdType) {
	b.mu.Lock()
	subs := b.session[id]
	delete(b.session, id)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close(false)
	}
}

// remove detaches a subscription from the fan-out maps.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.sessionID == "" {
		delete(b.global, sub.id)
		return
	}
	subs, ok := b.session[sub.sessionID]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.session, sub.sessionID)
	}
}

// SessionChannelOpen reports whether a per-session channel set exists.
func (b *Bus) SessionChannelOpen(id types.SessionIdType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.session[id]
	return ok
}
