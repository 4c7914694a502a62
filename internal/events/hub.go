// Package events provides a typed multi-subscriber event stream.
//
// Every subscriber gets its own ordered, unbounded queue drained by a pump
// goroutine, so a slow subscriber never blocks publishers and never loses or
// reorders events.
package events

import "sync"

// Hub fans out published values to all current subscribers.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

// New creates an empty hub.
func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*subscriber[T])}
}

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers a subscriber. The returned channel is closed after
// cancel is called or the hub is closed. cancel is idempotent.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go s.pump()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.stop()
		return s.out, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		s.stop()
	}
	return s.out, cancel
}

// Publish delivers v to every subscriber. Never blocks on slow subscribers.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.push(v)
	}
}

// Len returns the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close stops all subscribers. Later subscriptions receive a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscriber[T])
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber[T]) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- v:
			case <-s.done:
				return
			}
		}
	}
}
