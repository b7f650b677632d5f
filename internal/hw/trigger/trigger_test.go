package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/paws/internal/hw/gpio"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestMailbox_LatestWins(t *testing.T) {
	m := NewMailbox()
	if _, ok := m.Take(); ok {
		t.Fatal("new mailbox should be empty")
	}

	first := NewEvent("test", nil)
	second := NewEvent("test", nil)
	if r := m.Put(first); r != nil {
		t.Errorf("first Put replaced %v", r)
	}
	r := m.Put(second)
	if r == nil || r.ID != first.ID {
		t.Fatalf("second Put should report the first event as replaced, got %v", r)
	}

	got, ok := m.Take()
	if !ok || got.ID != second.ID {
		t.Errorf("Take = %v, %v; want the latest event", got.ID, ok)
	}
	if _, ok := m.Take(); ok {
		t.Error("mailbox should be empty after Take")
	}

	m.Put(first)
	m.Clear()
	if _, ok := m.Take(); ok {
		t.Error("Clear should drop the waiting event")
	}
}

func TestSoftware_FireDelivers(t *testing.T) {
	sw := NewSoftware()
	var c collector
	l := NewListener(sw, c.add)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	hint := 2
	if !sw.Fire(&hint) {
		t.Fatal("Fire should accept")
	}
	sw.Fire(nil)
	waitFor(t, func() bool { return c.len() == 2 })

	c.mu.Lock()
	if c.events[0].Hint == nil || *c.events[0].Hint != 2 {
		t.Errorf("first event hint = %v, want 2", c.events[0].Hint)
	}
	if c.events[0].Source != "software" {
		t.Errorf("source = %q", c.events[0].Source)
	}
	if c.events[0].ID == c.events[1].ID {
		t.Error("event IDs should be unique")
	}
	c.mu.Unlock()

	n, last := l.Stats()
	if n != 2 || last.IsZero() {
		t.Errorf("Stats = %d, %v", n, last)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
}

func TestClock_FiresLoops(t *testing.T) {
	var c collector
	l := NewListener(&Clock{Period: 5 * time.Millisecond, Loops: 3}, c.add)

	start := time.Now()
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.len() != 3 {
		t.Fatalf("got %d events, want 3", c.len())
	}
	if el := time.Since(start); el < 10*time.Millisecond {
		t.Errorf("three pulses 5ms apart took only %v", el)
	}
}

func TestClock_RejectsZeroPeriod(t *testing.T) {
	err := (&Clock{}).Run(context.Background(), func(Event) {})
	if err == nil {
		t.Error("expected error for zero period")
	}
}

func TestLine_RisingEdges(t *testing.T) {
	drv := &gpio.MockDriver{}
	line := NewLine(drv, 17, Rising, 200*time.Microsecond, 0)
	var c collector

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewListener(line, c.add).Run(ctx)

	for i := 0; i < 3; i++ {
		time.Sleep(3 * time.Millisecond)
		drv.SetInput(17, gpio.High)
		waitFor(t, func() bool { return c.len() == i+1 })
		drv.SetInput(17, gpio.Low)
	}
	time.Sleep(3 * time.Millisecond)
	if c.len() != 3 {
		t.Errorf("falling edges should not fire, got %d events", c.len())
	}
}

func TestLine_Debounce(t *testing.T) {
	drv := &gpio.MockDriver{}
	line := NewLine(drv, 4, Both, 200*time.Microsecond, time.Hour)
	var c collector

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewListener(line, c.add).Run(ctx)

	time.Sleep(3 * time.Millisecond)
	drv.SetInput(4, gpio.High)
	waitFor(t, func() bool { return c.len() == 1 })
	drv.SetInput(4, gpio.Low)
	time.Sleep(5 * time.Millisecond)
	if c.len() != 1 {
		t.Errorf("edge inside debounce window fired, got %d events", c.len())
	}
}

func TestParseEdge(t *testing.T) {
	cases := map[string]Edge{"": Rising, "rising": Rising, "falling": Falling, "both": Both}
	for in, want := range cases {
		got, err := ParseEdge(in)
		if err != nil || got != want {
			t.Errorf("ParseEdge(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseEdge("sideways"); err == nil {
		t.Error("expected error")
	}
}
