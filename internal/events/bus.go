package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler receives events on the subscription's own goroutine.
type Handler func(Event)

// Bus distributes events to in-process subscribers. Each subscriber has an
// unbounded ordered queue drained by a dedicated goroutine, so Publish never
// blocks and a slow consumer never reorders or drops another's events.
type Bus struct {
	log    *slog.Logger
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	clock  func() time.Time
}

type subscription struct {
	id      uint64
	handler Handler
	kinds   map[Kind]struct{}
	log     *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		log:   log.With(slog.String("component", "event-bus")),
		subs:  make(map[uint64]*subscription),
		clock: time.Now,
	}
}

// Subscribe registers handler for the given kinds, or for every kind when
// none are given. The returned function removes the subscription; events
// already queued are still delivered.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) func() {
	sub := &subscription{
		handler: handler,
		log:     b.log,
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			sub.close()
		})
	}
}

// Publish stamps evt and enqueues it for every interested subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.enqueue(evt)
	}
}

// Close stops accepting events and waits until every subscriber has drained
// its queue.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		<-sub.done
	}
}

func (s *subscription) enqueue(evt Event) {
	if s.kinds != nil {
		if _, ok := s.kinds[evt.Kind]; !ok {
			return
		}
	}
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, evt)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(evt)
	}
}

func (s *subscription) deliver(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked",
				slog.String("kind", string(evt.Kind)),
				slog.String("error", fmt.Sprint(r)))
		}
	}()
	s.handler(evt)
}
