package events

import (
	"testing"
)

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(StateChanged, StateChangeEvent{From: "idle", To: "armed", Ts: 1})

	select {
	case e := <-ch:
		if e.Name != StateChanged {
			t.Errorf("name = %q", e.Name)
		}
		p, err := DecodeAs[StateChangeEvent](e)
		if err != nil {
			t.Fatalf("DecodeAs: %v", err)
		}
		if p.From != "idle" || p.To != "armed" {
			t.Errorf("payload = %+v", p)
		}
	default:
		t.Fatal("expected an event")
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		h.Publish(StepStarted, StepEvent{Index: i})
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffer should be full, got %d/%d", len(ch), cap(ch))
	}
	last, ok := h.Last(StepStarted)
	if !ok {
		t.Fatal("Last should remember the event")
	}
	p, _ := DecodeAs[StepEvent](last)
	if p.Index != 99 {
		t.Errorf("Last index = %d, want 99", p.Index)
	}
}

func TestHub_UnsubscribeClosesOnce(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()
	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	h.Publish(FaultDetected, FaultEvent{Channel: 1})
}

func TestHub_NilIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(StateChanged, StateChangeEvent{})
	if _, ok := h.Last(StateChanged); ok {
		t.Error("nil hub should have no events")
	}
}

func TestDecodeAs_Empty(t *testing.T) {
	p, err := DecodeAs[FaultEvent](Event{Name: FaultDetected})
	if err != nil || p.Channel != 0 {
		t.Errorf("got %+v, %v", p, err)
	}
}
