package ids

import (
	"testing"
	"time"
)

func TestNewAtIsMonotonic(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, ok := Time(NewAt(at))
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if !got.Equal(at) {
		t.Fatalf("unexpected time: %v", got)
	}
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatal("expected parse failure")
	}
}
