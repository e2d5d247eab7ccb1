package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
)

func progressEvent(sessionID string, progress float64) *domain.ProgressEvent {
	event := domain.NewProgressEvent(domain.EventProgress, sessionID)
	event.Progress = progress
	return event
}

func TestBrokerDeliversInOrder(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe("s1")
	defer sub.Unsubscribe()

	for i := 1; i <= 5; i++ {
		broker.Publish(progressEvent("s1", float64(i*20)))
	}

	var last float64
	for i := 0; i < 5; i++ {
		select {
		case event := <-sub.Events():
			assert.GreaterOrEqual(t, event.Progress, last)
			last = event.Progress
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestBrokerNoBackfill(t *testing.T) {
	broker := NewBroker()
	broker.Publish(progressEvent("s1", 10))

	sub := broker.Subscribe("s1")
	defer sub.Unsubscribe()

	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected backfilled event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerTerminalClosesStream(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe("s1")

	broker.Publish(progressEvent("s1", 50))
	terminal := domain.NewProgressEvent(domain.EventSessionCompleted, "s1")
	terminal.Progress = 100
	broker.Publish(terminal)

	var kinds []domain.EventKind
	for event := range sub.Events() {
		kinds = append(kinds, event.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, domain.EventSessionCompleted, kinds[len(kinds)-1])

	// Session entry is gone; publishing again reaches nobody
	assert.Equal(t, 0, broker.SubscriberCount("s1"))
}

func TestBrokerOverflowDropsOldest(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe("s1")

	// Fill past the queue bound without consuming
	for i := 0; i < defaultQueueSize+10; i++ {
		broker.Publish(progressEvent("s1", float64(i)))
	}
	terminal := domain.NewProgressEvent(domain.EventSessionCompleted, "s1")
	terminal.Progress = 100
	broker.Publish(terminal)

	var events []*domain.ProgressEvent
	for event := range sub.Events() {
		events = append(events, event)
	}

	// Oldest frames were evicted, the terminal survived as the last event
	require.NotEmpty(t, events)
	assert.LessOrEqual(t, len(events), defaultQueueSize)
	assert.Equal(t, domain.EventSessionCompleted, events[len(events)-1].Kind)
	assert.NotEqual(t, float64(0), events[0].Progress, "oldest event should have been dropped")

	// Monotonic even after evictions
	var last float64 = -1
	for _, event := range events[:len(events)-1] {
		assert.Greater(t, event.Progress, last)
		last = event.Progress
	}
}

func TestBrokerIndependentSubscribers(t *testing.T) {
	broker := NewBroker()
	fast := broker.Subscribe("s1")
	slow := broker.Subscribe("s1")
	defer slow.Unsubscribe()

	broker.Publish(progressEvent("s1", 10))

	select {
	case event := <-fast.Events():
		assert.Equal(t, float64(10), event.Progress)
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved")
	}

	fast.Unsubscribe()
	broker.Publish(progressEvent("s1", 20))

	select {
	case event := <-slow.Events():
		// The slow subscriber still holds both frames
		assert.Equal(t, float64(10), event.Progress)
	case <-time.After(time.Second):
		t.Fatal("slow subscriber starved")
	}
	assert.Equal(t, 1, broker.SubscriberCount("s1"))
}

func TestBrokerSessionsAreIsolated(t *testing.T) {
	broker := NewBroker()
	a := broker.Subscribe("a")
	b := broker.Subscribe("b")
	defer a.Unsubscribe()
	defer b.Unsubscribe()

	broker.Publish(progressEvent("a", 42))

	select {
	case event := <-a.Events():
		assert.Equal(t, "a", event.SessionID)
	case <-time.After(time.Second):
		t.Fatal("subscriber a starved")
	}
	select {
	case <-b.Events():
		t.Fatal("event leaked across sessions")
	case <-time.After(50 * time.Millisecond):
	}
}
