package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndStamps(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	b := New(WithNow(func() time.Time { return at }))
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "reminders.changed"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "reminders.changed" || !e.Time.Equal(at) {
				t.Fatalf("unexpected event %+v", e)
			}
		default:
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})
	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
