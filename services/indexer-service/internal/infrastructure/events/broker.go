package events

import (
	"sync"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
)

const defaultQueueSize = 64

// Subscription is one listener's bounded view of a session stream. The
// channel closes after the terminal event is delivered.
type Subscription struct {
	sessionID string
	ch        chan *domain.ProgressEvent
	broker    *Broker
	once      sync.Once
}

// Events returns the subscriber's event channel
func (s *Subscription) Events() <-chan *domain.ProgressEvent {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel
func (s *Subscription) Unsubscribe() {
	s.broker.unsubscribe(s)
}

// Broker is the in-process pub/sub hub keyed by session id. Delivery is
// best-effort with bounded per-subscriber queues; on overflow the oldest
// queued non-terminal event is dropped. Terminal events are never dropped
// and are always the last event a subscriber sees.
type Broker struct {
	mu        sync.Mutex
	sessions  map[string][]*Subscription
	queueSize int
}

// NewBroker creates a broker with the default queue size
func NewBroker() *Broker {
	return &Broker{
		sessions:  make(map[string][]*Subscription),
		queueSize: defaultQueueSize,
	}
}

// Subscribe attaches a listener to the session's stream. Events published
// before the subscription are not backfilled.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan *domain.ProgressEvent, b.queueSize),
		broker:    b,
	}

	b.mu.Lock()
	b.sessions[sessionID] = append(b.sessions[sessionID], sub)
	b.mu.Unlock()
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	subs := b.sessions[sub.sessionID]
	for i, s := range subs {
		if s == sub {
			b.sessions[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.sessions[sub.sessionID]) == 0 {
		delete(b.sessions, sub.sessionID)
	}
	b.mu.Unlock()

	sub.once.Do(func() { close(sub.ch) })
}

// Publish fans the event out to the session's subscribers. A terminal event
// closes every subscription after delivery and drops the session entry.
func (b *Broker) Publish(event *domain.ProgressEvent) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.sessions[event.SessionID]...)
	if event.Kind.IsTerminal() {
		delete(b.sessions, event.SessionID)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, event)
		if event.Kind.IsTerminal() {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
}

func (b *Broker) deliver(sub *Subscription, event *domain.ProgressEvent) {
	for {
		select {
		case sub.ch <- event:
			return
		default:
		}
		// Queue full: evict the oldest queued event to make room. Terminal
		// events are always last on a stream, so evictions only hit
		// non-terminal frames.
		select {
		case <-sub.ch:
		default:
		}
	}
}

// SubscriberCount reports the live listeners of a session
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions[sessionID])
}
