package motion

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/hw/motor"
	"github.com/cjeanneret/paws/internal/logic/calibration"
)

// ShutterState is the commanded state of a channel.
type ShutterState int

const (
	Closed ShutterState = iota
	Opened
	Moving // in motion, or not confirmed after a failed move
)

func (s ShutterState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opened:
		return "open"
	default:
		return "moving"
	}
}

// ChannelSpec binds a channel index to its motor.
type ChannelSpec struct {
	Index   int
	Name    string
	Adapter motor.Adapter
	Profile motor.Profile
}

// ChannelInfo is a snapshot of one channel.
type ChannelInfo struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Open   int64  `json:"open"`
	Closed int64  `json:"closed"`
	Fault  bool   `json:"fault"`
}

type request struct {
	ctx   context.Context
	cmd   motor.Command
	state ShutterState
	reply chan error
}

// ShutterChannel owns one motor. Requests are executed by its worker
// goroutine, one at a time.
type ShutterChannel struct {
	Index   int
	Name    string
	adapter motor.Adapter
	profile motor.Profile
	tol     motor.Position

	// issue serializes "check context, then MoveTo" against Preempt so a
	// cancelled step can never start a move after the emergency close.
	issue sync.Mutex

	mu     sync.Mutex
	open   motor.Position
	closed motor.Position
	state  ShutterState
	fault  bool

	reqs chan request
}

func newShutterChannel(spec ChannelSpec, rec calibration.Record, tol motor.Position) *ShutterChannel {
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("ch%d", spec.Index)
	}
	return &ShutterChannel{
		Index:   spec.Index,
		Name:    name,
		adapter: spec.Adapter,
		profile: spec.Profile,
		tol:     tol,
		open:    rec.Open(),
		closed:  rec.Closed(),
		state:   Closed,
		reqs:    make(chan request),
	}
}

func (c *ShutterChannel) positions() (open, closed motor.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, c.closed
}

func (c *ShutterChannel) apply(rec calibration.Record) {
	c.mu.Lock()
	c.open, c.closed = rec.Open(), rec.Closed()
	c.mu.Unlock()
}

func (c *ShutterChannel) current() ShutterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ShutterChannel) set(st ShutterState, fault bool) {
	c.mu.Lock()
	c.state = st
	c.fault = fault
	c.mu.Unlock()
}

func (c *ShutterChannel) info() ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelInfo{
		Index:  c.Index,
		Name:   c.Name,
		State:  c.state.String(),
		Open:   int64(c.open),
		Closed: int64(c.closed),
		Fault:  c.fault,
	}
}

// run is the channel worker.
func (c *ShutterChannel) run(quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case r := <-c.reqs:
			r.reply <- c.drive(r.ctx, r.cmd, r.state)
		}
	}
}

// drive executes cmd and confirms the target by read-back.
func (c *ShutterChannel) drive(ctx context.Context, cmd motor.Command, st ShutterState) error {
	log := debug.WithChannel(c.Index)
	target := cmd.Target

	c.issue.Lock()
	if err := ctx.Err(); err != nil {
		c.issue.Unlock()
		return err
	}
	c.set(Moving, false)
	mv, err := c.adapter.MoveTo(cmd.Target, cmd.Profile)
	c.issue.Unlock()
	if err != nil {
		c.set(Moving, true)
		return errors.Wrapf(err, "channel %d: move to %s", c.Index, st)
	}

	select {
	case <-mv.Done():
		err = mv.Err()
	case <-ctx.Done():
		mv.Cancel()
		return ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.set(Moving, !errors.Is(err, motor.ErrStopped))
		return errors.Wrapf(err, "channel %d: move to %s", c.Index, st)
	}

	pos, err := c.adapter.ReadPosition()
	if err != nil {
		c.set(Moving, true)
		return errors.Wrapf(err, "channel %d: read back", c.Index)
	}
	if !pos.Within(target, c.tol) {
		c.set(Moving, true)
		return errors.Wrapf(ErrNotConfirmed, "channel %d: at %d, want %s position %d", c.Index, pos, st, target)
	}
	c.set(st, false)
	debug.Move(c.Index, int64(target), st.String())
	log.Tracef("confirmed %s at %d", st, pos)
	return nil
}

// command hands a move to the worker and waits for its confirmation.
func (c *ShutterChannel) command(ctx context.Context, st ShutterState) error {
	open, closed := c.positions()
	target := closed
	if st == Opened {
		target = open
	}
	r := request{
		ctx:   ctx,
		cmd:   motor.Command{Channel: c.Index, Target: target, Profile: c.profile},
		state: st,
		reply: make(chan error, 1),
	}
	select {
	case c.reqs <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.reply:
		return err
	case <-ctx.Done():
		// the worker observes the same context and cancels its move
		return ctx.Err()
	}
}
