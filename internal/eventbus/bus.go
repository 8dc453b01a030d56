// Package eventbus is a small in-memory fanout used to decouple the
// scheduler from its observers (history writer, app logging).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; slow subscribers lose events.
//   - Unsubscribing closes the subscriber's channel.
package eventbus

import (
	"sync"
	"time"
)

// Event is a lightweight lifecycle signal. Payload should stay small and
// JSON-serializable so sinks can journal it as-is.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// send delivers best-effort: a full buffer drops the event.
func (s *subscriber) send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under read lock; sends happen per-subscriber so Publish
	// never waits on the bus lock.
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.send(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					last := len(b.subs) - 1
					b.subs[i] = b.subs[last]
					b.subs[last] = nil
					b.subs = b.subs[:last]
					break
				}
			}
			b.mu.Unlock()
			sub.close()
		})
	}
	return sub.ch, unsub
}
