package core

import (
	"testing"
	"time"
)

func mustEvent(t *testing.T, ch <-chan *Event, topic string) *Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed before %q", topic)
			}
			if ev.Topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("expected event %q not received", topic)
			return nil
		}
	}
}

func mustBeQuiet(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
