package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBusOrderedDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	unsubscribe := bus.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Status)
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		bus.Publish(Event{SwapID: "s", Kind: KindSubmarine, Status: fmt.Sprintf("%d", i)})
	}
	unsubscribe()

	if len(got) != 100 {
		t.Fatalf("received %d events, want 100", len(got))
	}
	for i, s := range got {
		if s != fmt.Sprintf("%d", i) {
			t.Fatalf("event %d = %s, out of order", i, s)
		}
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(Event{SwapID: "s"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow handler")
	}
	close(release)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	unsubscribe := bus.Subscribe(func(Event) { count++ })
	bus.Publish(Event{SwapID: "a"})
	unsubscribe()
	unsubscribe()
	bus.Publish(Event{SwapID: "b"})

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestBusTimestamp(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := make(chan Event, 1)
	bus.Subscribe(func(ev Event) { ch <- ev })
	bus.Publish(Event{SwapID: "a"})

	select {
	case ev := <-ch:
		if ev.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}
