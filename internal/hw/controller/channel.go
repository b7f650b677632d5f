package controller

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/hw/motor"
)

// Channel is one stepper output of a Board.
type Channel struct {
	board *Board
	index int

	mu      sync.Mutex
	active  *motor.Move
	gen     uint64
	latched motor.Fault
}

var _ motor.Adapter = (*Channel)(nil)

// Index returns the board channel number.
func (c *Channel) Index() int { return c.index }

func (c *Channel) status() (moving bool, fault motor.Fault, err error) {
	f, err := c.board.Exec("STATUS %d", c.index)
	if err != nil {
		return false, motor.FaultDisconnected, err
	}
	if len(f) != 4 || f[0] != "STATUS" {
		return false, motor.FaultNone, errors.Errorf("unexpected STATUS reply %q", f)
	}
	switch f[2] {
	case "MOVING":
		moving = true
	case "IDLE":
	default:
		return false, motor.FaultNone, errors.Errorf("unknown motion state %q", f[2])
	}
	switch f[3] {
	case "NONE":
		fault = motor.FaultNone
	case "STALL":
		fault = motor.FaultStall
	case "LIMIT":
		fault = motor.FaultLimitExceeded
	case "DISCONNECTED":
		fault = motor.FaultDisconnected
	default:
		return moving, motor.FaultNone, errors.Errorf("unknown fault %q", f[3])
	}
	return moving, fault, nil
}

func (c *Channel) MoveTo(target motor.Position, p motor.Profile) (*motor.Move, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latched == motor.FaultStall {
		return nil, motor.ErrStall
	}
	if c.active != nil && c.active.Target == target {
		return c.active, nil
	}

	cur, err := c.ReadPosition()
	if err != nil {
		return nil, err
	}
	if c.active == nil && cur.Within(target, c.board.cfg.Tolerance) {
		return motor.Completed(target), nil
	}

	v := p.Velocity
	if v <= 0 {
		v = c.board.cfg.Velocity
	}
	if _, err := c.board.Exec("MOVE %d %d %s %s", c.index, int64(target),
		strconv.FormatFloat(v, 'f', -1, 64), strconv.FormatFloat(p.Acceleration, 'f', -1, 64)); err != nil {
		return nil, err
	}
	if c.active != nil {
		c.active.Finish(motor.ErrStopped)
	}

	c.gen++
	gen := c.gen
	m := motor.NewMove(target, func() { c.cancelGen(gen) })
	c.active = m

	dist := float64(c.board.cfg.MaxTravel)
	if cur.Known() {
		dist = math.Abs(float64(target) - float64(cur))
	}
	expected := time.Duration(dist / v * float64(time.Second))
	go c.poll(gen, m, expected+c.board.cfg.MoveTimeout)
	return m, nil
}

// poll waits for the board to report the move finished.
func (c *Channel) poll(gen uint64, m *motor.Move, bound time.Duration) {
	deadline := time.NewTimer(bound)
	defer deadline.Stop()
	tick := time.NewTicker(c.board.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-m.Done():
			return
		case <-deadline.C:
			debug.WithChannel(c.index).Warn("move did not complete in time, stopping")
			_, _ = c.board.Exec("STOP %d", c.index)
			c.finish(gen, m, motor.ErrStall, motor.FaultStall)
			return
		case <-tick.C:
		}

		moving, fault, err := c.status()
		if err != nil {
			c.finish(gen, m, err, motor.FaultNone)
			return
		}
		if moving && fault == motor.FaultNone {
			continue
		}
		switch fault {
		case motor.FaultNone:
			c.finish(gen, m, nil, motor.FaultNone)
		case motor.FaultLimitExceeded:
			c.finish(gen, m, motor.ErrLimitExceeded, motor.FaultNone)
		default:
			c.finish(gen, m, fault.Err(), fault)
		}
		return
	}
}

func (c *Channel) finish(gen uint64, m *motor.Move, err error, latch motor.Fault) {
	c.mu.Lock()
	if c.gen == gen {
		c.active = nil
	}
	if latch != motor.FaultNone {
		c.latched = latch
	}
	c.mu.Unlock()
	m.Finish(err)
}

func (c *Channel) cancelGen(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.active == nil {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.mu.Unlock()
	if _, err := c.board.Exec("STOP %d", c.index); err != nil {
		debug.WithChannel(c.index).WithError(err).Warn("stop after cancel failed")
	}
}

func (c *Channel) Stop() error {
	c.mu.Lock()
	m := c.active
	c.active = nil
	c.gen++
	c.mu.Unlock()

	_, err := c.board.Exec("STOP %d", c.index)
	if m != nil {
		m.Finish(motor.ErrStopped)
	}
	return err
}

func (c *Channel) ReadPosition() (motor.Position, error) {
	f, err := c.board.Exec("POS %d", c.index)
	if err != nil {
		return motor.Unknown, err
	}
	if len(f) != 3 || f[0] != "POS" {
		return motor.Unknown, errors.Errorf("unexpected POS reply %q", f)
	}
	if f[2] == "?" {
		return motor.Unknown, nil
	}
	v, err := strconv.ParseInt(f[2], 10, 64)
	if err != nil {
		return motor.Unknown, errors.Wrapf(err, "parse position %q", f[2])
	}
	return motor.Position(v), nil
}

func (c *Channel) ReadFault() motor.Fault {
	if c.board.Down() {
		return motor.FaultDisconnected
	}
	c.mu.Lock()
	latched := c.latched
	c.mu.Unlock()
	if latched != motor.FaultNone {
		return latched
	}
	_, fault, err := c.status()
	if err != nil {
		return motor.FaultDisconnected
	}
	return fault
}

// ClearFault drops a locally latched stall after operator intervention.
func (c *Channel) ClearFault() {
	c.mu.Lock()
	c.latched = motor.FaultNone
	c.mu.Unlock()
}
