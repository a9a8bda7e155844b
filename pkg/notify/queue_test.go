package notify

import (
	"sync"
	"testing"
	"time"
)

func TestQueueDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []EventType
	done := make(chan struct{})

	q := NewQueue(SinkFunc(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	}))
	defer q.Close()

	q.Publish(Event{Type: EventStarted})
	q.Publish(Event{Type: EventStoppedLimitReached})
	q.Publish(Event{Type: EventSupportAvailable})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventStarted, EventStoppedLimitReached, EventSupportAvailable}
	for i, typ := range want {
		if got[i] != typ {
			t.Errorf("event %d = %s, want %s", i, got[i], typ)
		}
	}
}

func TestQueueCloseStopsDelivery(t *testing.T) {
	var mu sync.Mutex
	var delivered int

	q := NewQueue(SinkFunc(func(Event) {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		delivered++
		mu.Unlock()
	}))

	for i := 0; i < 10; i++ {
		q.Publish(Event{Type: EventStarted})
	}
	q.Close()

	mu.Lock()
	atClose := delivered
	mu.Unlock()

	// Close discards the backlog; nothing may arrive afterwards.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != atClose {
		t.Fatalf("%d deliveries after Close returned", delivered-atClose)
	}
	if delivered == 10 {
		t.Log("all events delivered before Close; discard path not exercised")
	}

	// Publishing after Close is a silent no-op.
	q.Publish(Event{Type: EventStarted})
}

func TestQueueCloseTwice(t *testing.T) {
	q := NewQueue(SinkFunc(func(Event) {}))
	q.Close()
	q.Close() // must not panic or hang
}
