// Package broadcast fans values out to subscribers in publish order without
// dropping any.
package broadcast

import (
	"context"
	"sync"
)

// Hub fans out published values to every subscriber. Each subscriber has its
// own unbounded queue, so every value published after subscribing is delivered
// in publish order and a slow reader only delays itself.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	notify chan struct{}
	out    chan T
}

// New creates an empty hub.
func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe registers a new subscriber. The initial values are queued ahead of
// anything published later. The returned channel is closed when ctx is done or
// the hub is closed, after pending values have been delivered in the latter case.
func (h *Hub[T]) Subscribe(ctx context.Context, initial ...T) <-chan T {
	sub := &subscriber[T]{
		queue:  append([]T(nil), initial...),
		notify: make(chan struct{}, 1),
		out:    make(chan T),
	}

	h.mu.Lock()
	if h.closed {
		sub.closed = true
	} else {
		h.subs[sub] = struct{}{}
	}
	h.mu.Unlock()

	go func() {
		sub.run(ctx)
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}()

	return sub.out
}

// Publish queues v for every current subscriber. It never blocks on readers.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		sub.push(v)
	}
}

// Len returns the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops accepting values. Subscribers drain what they have queued and
// then see their channel closed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.close()
	}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run(ctx context.Context) {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		var zero T
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-ctx.Done():
			return
		}
	}
}
