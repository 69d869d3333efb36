// Package events fans swap status changes out to in-process subscribers.
package events

import (
	"sync"
	"time"
)

// Kind distinguishes forward from reverse swaps.
type Kind string

const (
	KindSubmarine Kind = "submarine"
	KindReverse   Kind = "reverse"
)

// Event is a single status change of a swap.
type Event struct {
	SwapID    string
	Kind      Kind
	Status    string
	Payload   map[string]interface{}
	Timestamp time.Time
}

// Handler is called for every published event.
type Handler func(Event)

// subscriber owns an unbounded FIFO drained by one goroutine, so a slow
// handler never blocks the publisher and always sees events in order.
type subscriber struct {
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
}

func newSubscriber(h Handler) *subscriber {
	s := &subscriber{handler: h, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(ev)
	}
}

// close stops accepting events; queued events are still delivered.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Publish enqueues ev for every current subscriber. It never blocks on handlers.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.push(ev)
	}
}

// Subscribe registers h and returns a function that removes it.
// Events already queued for h are delivered before unsubscribe returns.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := newSubscriber(h)
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
			<-s.done
		})
	}
}

// Close removes every subscriber after draining their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
		<-s.done
	}
}
