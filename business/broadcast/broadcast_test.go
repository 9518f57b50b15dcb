package broadcast

import "testing"

// TestSubscriberQueueCapacity pins the documented bound (spec §4.6/§5:
// "Subscriber queue: 10") so a future edit has to touch the test alongside
// the constant.
func TestSubscriberQueueCapacity(t *testing.T) {
	if SubscriberQueueCapacity != 10 {
		t.Fatalf("expected subscriber queue capacity 10, got %d", SubscriberQueueCapacity)
	}
}

// TestBroadcaster_FanOutDropsFullQueue exercises the fan-out half of
// Publish directly against a Broadcaster whose subscriber map is populated
// without a live NATS connection, since the enqueue-or-drop logic never
// touches nc/kv.
func TestBroadcaster_FanOutDropsFullQueue(t *testing.T) {
	b := &Broadcaster{subscribers: make(map[chan []byte]struct{})}

	slow := make(chan []byte, SubscriberQueueCapacity)
	fast := b.Subscribe()

	for i := 0; i < SubscriberQueueCapacity; i++ {
		slow <- []byte("filler")
	}
	b.mu.Lock()
	b.subscribers[slow] = struct{}{}
	b.mu.Unlock()

	b.fanOut([]byte("snapshot"))

	select {
	case got, ok := <-fast:
		if !ok || string(got) != "snapshot" {
			t.Fatalf("expected fast subscriber to receive snapshot, got %q ok=%v", got, ok)
		}
	default:
		t.Fatal("expected fast subscriber to have a queued message")
	}

	b.mu.Lock()
	_, stillSubscribed := b.subscribers[slow]
	b.mu.Unlock()
	if stillSubscribed {
		t.Fatal("expected full subscriber to be dropped")
	}
}

func TestBroadcaster_UnsubscribeIsIdempotent(t *testing.T) {
	b := &Broadcaster{subscribers: make(map[chan []byte]struct{})}
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
}
