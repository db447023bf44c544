package bus

import (
	"sync"
	"testing"
)

func TestPublishDeliversToAllMatchingSubscribers(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var gotA, gotB []interface{}

	b.Subscribe("position.update", func(e Event) {
		mu.Lock()
		gotA = append(gotA, e.Payload)
		mu.Unlock()
	})
	b.Subscribe("*", func(e Event) {
		mu.Lock()
		gotB = append(gotB, e.Payload)
		mu.Unlock()
	})

	b.Publish(Event{Topic: "position.update", Payload: "p1"})
	b.Publish(Event{Topic: "order.update", Payload: "p2"})

	if len(gotA) != 1 || gotA[0] != "p1" {
		t.Fatalf("exact-topic subscriber got %v, want [p1]", gotA)
	}
	if len(gotB) != 2 || gotB[0] != "p1" || gotB[1] != "p2" {
		t.Fatalf("wildcard subscriber got %v, want [p1 p2]", gotB)
	}
}

func TestPublishSameEventTwiceDeliversTwice(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var received []string

	b.Subscribe("whale_alert", func(e Event) {
		mu.Lock()
		received = append(received, e.Payload.(string))
		mu.Unlock()
	})

	evt := Event{Topic: "whale_alert", Payload: "alert-1"}
	b.Publish(evt)
	b.Publish(evt)

	if len(received) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(received))
	}
	if received[0] != "alert-1" || received[1] != "alert-1" {
		t.Fatalf("got %v, want identical payloads both times", received)
	}
}

func TestPrefixWildcardMatchesOnlyPrefixedTopics(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var count int
	b.Subscribe("signal.*", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(Event{Topic: "signal.btc"})
	b.Publish(Event{Topic: "whale_alert"})

	if count != 1 {
		t.Fatalf("got %d deliveries, want 1", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)

	var count int
	id := b.Subscribe("*", func(Event) { count++ })
	b.Publish(Event{Topic: "a"})
	b.Unsubscribe(id)
	b.Publish(Event{Topic: "a"})

	if count != 1 {
		t.Fatalf("got %d deliveries, want 1 after unsubscribe", count)
	}
}

func TestHandlerPanicDoesNotStopOtherSubscribers(t *testing.T) {
	b := New(nil)

	b.Subscribe("*", func(Event) { panic("boom") })

	var delivered bool
	b.Subscribe("*", func(Event) { delivered = true })

	b.Publish(Event{Topic: "a"})

	if !delivered {
		t.Fatal("second subscriber was not invoked after first panicked")
	}
}

func TestDeliveryOrderMatchesRegistrationOrder(t *testing.T) {
	b := New(nil)

	var order []int
	b.Subscribe("*", func(Event) { order = append(order, 1) })
	b.Subscribe("*", func(Event) { order = append(order, 2) })
	b.Subscribe("*", func(Event) { order = append(order, 3) })

	b.Publish(Event{Topic: "a"})

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}
