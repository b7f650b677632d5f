// Package trigger turns external synchronization pulses (a camera exposure
// line, a software call, or an internal clock) into timestamped events.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/paws/internal/debug"
)

// Event is one trigger pulse. At carries Go's monotonic clock reading.
type Event struct {
	ID     uuid.UUID `json:"id"`
	At     time.Time `json:"at"`
	Hint   *int      `json:"hint,omitempty"` // optional sequence step index
	Source string    `json:"source"`
}

// NewEvent stamps an event now.
func NewEvent(source string, hint *int) Event {
	return Event{ID: uuid.New(), At: time.Now(), Hint: hint, Source: source}
}

// Source produces events until ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Event)) error
}

// Listener runs a Source on its own goroutine and hands every event to sink.
// sink must not block; the scheduler queues internally.
type Listener struct {
	src  Source
	sink func(Event)

	mu    sync.Mutex
	count uint64
	last  time.Time
}

// NewListener binds a source to a sink.
func NewListener(src Source, sink func(Event)) *Listener {
	return &Listener{src: src, sink: sink}
}

// Source returns the bound source.
func (l *Listener) Source() Source {
	return l.src
}

// Run blocks until ctx ends or the source fails.
func (l *Listener) Run(ctx context.Context) error {
	debug.Info("Trigger listener started (source: %s)", l.src.Name())
	err := l.src.Run(ctx, func(e Event) {
		l.mu.Lock()
		l.count++
		l.last = e.At
		l.mu.Unlock()
		debug.Live("trigger %s from %s", e.ID, e.Source)
		l.sink(e)
	})
	if err != nil && ctx.Err() == nil {
		debug.Errorf("trigger source %s stopped: %v", l.src.Name(), err)
		return err
	}
	return nil
}

// Stats returns the number of delivered events and the last timestamp.
func (l *Listener) Stats() (uint64, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count, l.last
}

// Mailbox is a single-slot, latest-wins queue.
type Mailbox struct {
	mu   sync.Mutex
	slot *Event
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Put stores e, replacing any waiting event. It reports the replaced event.
func (m *Mailbox) Put(e Event) (replaced *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	replaced = m.slot
	m.slot = &e
	return replaced
}

// Take removes and returns the waiting event, if any.
func (m *Mailbox) Take() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slot == nil {
		return Event{}, false
	}
	e := *m.slot
	m.slot = nil
	return e, true
}

// Clear drops the waiting event.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	m.slot = nil
	m.mu.Unlock()
}
