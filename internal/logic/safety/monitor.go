// Package safety polls every motor for faults and preempts the scheduler
// when one appears. It never retries motion.
package safety

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/events"
	"github.com/cjeanneret/paws/internal/hw/motor"
)

const (
	MinInterval = 50 * time.Millisecond
	MaxInterval = 200 * time.Millisecond
)

// Preempter is what the monitor stops on a fault.
type Preempter interface {
	Preempt(reason string)
}

// ClampInterval bounds the poll period to [MinInterval, MaxInterval].
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	}
	return d
}

// Monitor watches a fixed set of channels.
type Monitor struct {
	adapters map[int]motor.Adapter
	order    []int
	target   Preempter
	interval time.Duration
	hub      *events.Hub

	mu       sync.Mutex
	expected map[int]bool        // limit switch contact is expected (homing)
	reported map[int]motor.Fault // last fault acted on, cleared when healthy
}

func New(adapters map[int]motor.Adapter, target Preempter, interval time.Duration, hub *events.Hub) *Monitor {
	m := &Monitor{
		adapters: adapters,
		target:   target,
		interval: ClampInterval(interval),
		hub:      hub,
		expected: make(map[int]bool),
		reported: make(map[int]motor.Fault),
	}
	for ch := range adapters {
		m.order = append(m.order, ch)
	}
	sort.Ints(m.order)
	return m
}

// Interval returns the effective poll period.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Expect marks a channel's limit switch contact as expected (or not).
func (m *Monitor) Expect(ch int, limit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit {
		m.expected[ch] = true
	} else {
		delete(m.expected, ch)
	}
}

// Reset forgets the faults already acted on, so the same fault on the same
// channel preempts again. Call it once faults have been cleared.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported = make(map[int]motor.Fault)
}

// Check polls every channel once and preempts on the first new fault.
// It reports whether a fault was acted on.
func (m *Monitor) Check() bool {
	for _, ch := range m.order {
		f := m.adapters[ch].ReadFault()

		m.mu.Lock()
		if f == motor.FaultNone || (f == motor.FaultLimitExceeded && m.expected[ch]) {
			delete(m.reported, ch)
			m.mu.Unlock()
			continue
		}
		if m.reported[ch] == f {
			m.mu.Unlock()
			continue
		}
		m.reported[ch] = f
		m.mu.Unlock()

		reason := fmt.Sprintf("channel %d: %s", ch, f)
		debug.WithChannel(ch).WithField("fault", f.String()).Error("motor fault, preempting")
		m.hub.Publish(events.FaultDetected, events.FaultEvent{
			Channel: ch, Fault: f.String(), Reason: reason, Ts: time.Now().UnixMilli(),
		})
		m.target.Preempt(reason)
		return true
	}
	return false
}

// Run polls until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	debug.Info("Safety monitor polling %d channel(s) every %v", len(m.order), m.interval)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Check()
		}
	}
}
