package trigger

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/hw/gpio"
)

// Edge selects which transitions of a trigger line count as pulses.
type Edge int

const (
	Rising Edge = iota
	Falling
	Both
)

// ParseEdge maps "rising", "falling" or "both".
func ParseEdge(s string) (Edge, error) {
	switch s {
	case "", "rising":
		return Rising, nil
	case "falling":
		return Falling, nil
	case "both":
		return Both, nil
	}
	return Rising, errors.Errorf("unknown edge %q", s)
}

// Line watches a GPIO input, typically the camera's exposure output.
// Edges closer than Debounce to the previous accepted edge are ignored.
type Line struct {
	drv      gpio.Driver
	pin      int
	edge     Edge
	poll     time.Duration
	debounce time.Duration
}

// NewLine configures pin as an input and returns the source.
func NewLine(drv gpio.Driver, pin int, edge Edge, poll, debounce time.Duration) *Line {
	if poll <= 0 {
		poll = 500 * time.Microsecond
	}
	mode := gpio.InputPullDown
	if edge == Falling {
		mode = gpio.InputPullUp
	}
	_ = drv.SetupPin(pin, mode)
	return &Line{drv: drv, pin: pin, edge: edge, poll: poll, debounce: debounce}
}

func (l *Line) Name() string { return "gpio" }

func (l *Line) Run(ctx context.Context, emit func(Event)) error {
	prev, err := l.drv.ReadPin(l.pin)
	if err != nil {
		return errors.Wrapf(err, "read trigger pin %d", l.pin)
	}
	var lastEdge time.Time

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cur, err := l.drv.ReadPin(l.pin)
		if err != nil {
			return errors.Wrapf(err, "read trigger pin %d", l.pin)
		}
		if cur == prev {
			continue
		}
		prev = cur

		rising := cur == gpio.High
		if (l.edge == Rising && !rising) || (l.edge == Falling && rising) {
			continue
		}
		now := time.Now()
		if !lastEdge.IsZero() && now.Sub(lastEdge) < l.debounce {
			continue
		}
		lastEdge = now
		emit(NewEvent(l.Name(), nil))
	}
}

// Software is a trigger fired by API calls.
type Software struct {
	ch chan *int
}

// NewSoftware creates a software source with a small buffer.
func NewSoftware() *Software {
	return &Software{ch: make(chan *int, 8)}
}

func (s *Software) Name() string { return "software" }

// Fire queues a pulse. It never blocks; a full buffer drops the pulse and
// returns false.
func (s *Software) Fire(hint *int) bool {
	select {
	case s.ch <- hint:
		return true
	default:
		return false
	}
}

func (s *Software) Run(ctx context.Context, emit func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case hint := <-s.ch:
			emit(NewEvent(s.Name(), hint))
		}
	}
}

// Clock fires every Period, Loops times (0 = until cancelled). The first
// pulse is immediate. This is the stand-alone alternating mode: no camera,
// the shutters switch on a fixed timetable.
type Clock struct {
	Period time.Duration
	Loops  int
}

func (c *Clock) Name() string { return "clock" }

func (c *Clock) Run(ctx context.Context, emit func(Event)) error {
	if c.Period <= 0 {
		return errors.New("clock period must be > 0")
	}
	start := time.Now()
	for i := 0; c.Loops == 0 || i < c.Loops; i++ {
		// schedule against the start time so jitter does not accumulate
		wait := time.Until(start.Add(time.Duration(i) * c.Period))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(NewEvent(c.Name(), nil))
	}
	return nil
}
