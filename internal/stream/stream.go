// Package stream fans published values out to live subscribers such as SSE
// clients of the alert feed.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub fan-outs values to all active subscribers.
type Hub[T any] struct {
	mu      sync.RWMutex
	subs    map[int]chan T
	next    int
	buffer  int
	dropped atomic.Int64
}

// New initialises an empty hub. buffer is the per-subscriber channel size.
func New[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive values.
// The channel is closed when the provided context ends.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs v to all subscribers.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			// Drop when subscriber is slow to avoid blocking.
			h.dropped.Add(1)
		}
	}
}

// Subscribers reports how many subscribers are attached.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports values discarded because a subscriber was full.
func (h *Hub[T]) Dropped() int64 { return h.dropped.Load() }
