package events

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestChannelPublishOrder(t *testing.T) {
	ch := NewChannel(zerolog.Nop())

	var got []string
	ch.Subscribe(func(e Event) { got = append(got, "first:"+e.Path) })
	ch.Subscribe(func(e Event) { got = append(got, "second:"+e.Path) })

	ch.Publish(Event{Type: TypeWriteFailed, Path: "tasks/7"})

	if len(got) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(got))
	}
	if got[0] != "first:tasks/7" || got[1] != "second:tasks/7" {
		t.Errorf("Unexpected delivery order: %v", got)
	}
}

func TestChannelFillsIDAndTimestamp(t *testing.T) {
	ch := NewChannel(zerolog.Nop())

	var got Event
	ch.Subscribe(func(e Event) { got = e })
	ch.Publish(Event{Type: TypeSubscriptionFailed})

	if got.ID == "" {
		t.Error("Expected generated ID")
	}
	if got.Timestamp.IsZero() {
		t.Error("Expected timestamp")
	}
}

func TestChannelUnsubscribeIdempotent(t *testing.T) {
	ch := NewChannel(zerolog.Nop())

	count := 0
	unsubscribe := ch.Subscribe(func(e Event) { count++ })
	other := ch.Subscribe(func(e Event) {})

	unsubscribe()
	unsubscribe()

	if ch.ListenerCount() != 1 {
		t.Errorf("Expected 1 listener, got %d", ch.ListenerCount())
	}

	ch.Publish(Event{Type: TypeWriteFailed})
	if count != 0 {
		t.Errorf("Expected no delivery after unsubscribe, got %d", count)
	}
	other()
}

func TestChannelRecoversPanickingListener(t *testing.T) {
	ch := NewChannel(zerolog.Nop())

	delivered := false
	ch.Subscribe(func(e Event) { panic("toast renderer crashed") })
	ch.Subscribe(func(e Event) { delivered = true })

	ch.Publish(Event{Type: TypeWriteFailed})

	if !delivered {
		t.Error("Expected second listener to run after first panicked")
	}
}

func TestChannelClose(t *testing.T) {
	ch := NewChannel(zerolog.Nop())

	count := 0
	ch.Subscribe(func(e Event) { count++ })
	ch.Close()
	ch.Publish(Event{Type: TypeWriteFailed})

	if count != 0 {
		t.Errorf("Expected no delivery after close, got %d", count)
	}
}

func TestEventBuilders(t *testing.T) {
	e := NewEvent(TypeWriteFailed, "dispatcher").WithActor("42").WithCorrelation("req-1")

	if e.ID == "" || e.Timestamp.IsZero() {
		t.Error("Expected ID and timestamp")
	}
	if e.Source != "dispatcher" || e.ActorID != "42" || e.CorrelationID != "req-1" {
		t.Errorf("Unexpected event: %+v", e)
	}
}
