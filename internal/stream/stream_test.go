package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	h := New[string](4)
	ctx, cancel := context.WithCancel(context.Background())
	a := h.Subscribe(ctx)
	b := h.Subscribe(ctx)

	h.Publish("alert-1")
	for _, ch := range []<-chan string{a, b} {
		select {
		case got := <-ch:
			if got != "alert-1" {
				t.Fatalf("got %q", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive value")
		}
	}

	cancel()
	for _, ch := range []<-chan string{a, b} {
		if _, ok := <-ch; ok {
			t.Fatal("channel not closed after cancel")
		}
	}
	if n := h.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = h.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if h.Dropped() != 9 {
		t.Fatalf("expected 9 dropped, got %d", h.Dropped())
	}
}
