package motor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/hw/gpio"
	"github.com/cjeanneret/paws/internal/hw/stepper"
)

// GPIOConfig configures a stepper driven directly from GPIO pins.
type GPIOConfig struct {
	Channel          int
	LimitPin         int  // home limit switch (BCM). 0 = no switch.
	LimitActiveLow   bool // switch pulls the line to GND when pressed
	Tolerance        Position
	Velocity         float64       // default steps/s
	MoveTimeout      time.Duration // slack over the expected travel time
	ReleaseAfterMove bool          // drop holding torque once in position
}

// GPIOAdapter implements Adapter on top of a STEP/DIR stepper driver.
// Each move runs on its own goroutine; the step count is the position.
type GPIOAdapter struct {
	motor *stepper.Stepper
	drv   gpio.Driver
	cfg   GPIOConfig

	mu      sync.Mutex
	active  *Move
	cancel  context.CancelFunc
	exited  chan struct{}
	gen     uint64
	latched Fault
}

// NewGPIOAdapter wraps s. The limit pin, when set, is configured as input.
func NewGPIOAdapter(drv gpio.Driver, s *stepper.Stepper, cfg GPIOConfig) *GPIOAdapter {
	if cfg.Velocity <= 0 {
		cfg.Velocity = 800
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = 2 * time.Second
	}
	if cfg.LimitPin > 0 {
		mode := gpio.InputPullDown
		if cfg.LimitActiveLow {
			mode = gpio.InputPullUp
		}
		_ = drv.SetupPin(cfg.LimitPin, mode)
	}
	return &GPIOAdapter{motor: s, drv: drv, cfg: cfg}
}

func (a *GPIOAdapter) limitActive() (bool, error) {
	if a.cfg.LimitPin <= 0 {
		return false, nil
	}
	lvl, err := a.drv.ReadPin(a.cfg.LimitPin)
	if err != nil {
		return false, err
	}
	if a.cfg.LimitActiveLow {
		return lvl == gpio.Low, nil
	}
	return lvl == gpio.High, nil
}

// stopLocked cancels the running move and waits for its goroutine.
// a.mu is released while waiting.
func (a *GPIOAdapter) stopLocked() {
	for a.active != nil {
		exited := a.exited
		a.cancel()
		a.mu.Unlock()
		<-exited
		a.mu.Lock()
	}
}

func (a *GPIOAdapter) MoveTo(target Position, p Profile) (*Move, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.latched == FaultStall {
		return nil, ErrStall
	}
	if a.active != nil && a.active.Target == target {
		return a.active, nil
	}
	a.stopLocked()

	cur := Position(a.motor.Position())
	if cur.Within(target, a.cfg.Tolerance) {
		return Completed(target), nil
	}

	v := p.Velocity
	if v <= 0 {
		v = a.cfg.Velocity
	}
	steps := int64(target - cur)
	expected := time.Duration(math.Abs(float64(steps)) / v * 2 * float64(time.Second))

	a.gen++
	gen := a.gen
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMove(target, func() { a.cancelGen(gen) })
	a.active = m
	a.cancel = cancel
	a.exited = make(chan struct{})
	debug.WithChannel(a.cfg.Channel).Tracef("gpio move %d -> %d (%d steps)", cur, target, steps)

	go a.run(ctx, gen, m, steps, stepper.Ramp{Velocity: v, Acceleration: p.Acceleration}, expected+a.cfg.MoveTimeout, a.exited)
	return m, nil
}

func (a *GPIOAdapter) run(ctx context.Context, gen uint64, m *Move, steps int64, r stepper.Ramp, bound time.Duration, exited chan struct{}) {
	defer close(exited)

	tctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	if err := a.motor.Enable(); err != nil {
		a.finish(gen, m, errors.Wrap(ErrHardwareUnavailable, err.Error()), FaultDisconnected)
		return
	}

	var limitHit bool
	var pinErr error
	halt := func() bool {
		if steps > 0 {
			return false
		}
		active, err := a.limitActive()
		if err != nil {
			pinErr = err
			return true
		}
		limitHit = active
		return active
	}

	_, err := a.motor.Run(tctx, steps, r, halt)
	switch {
	case pinErr != nil:
		a.finish(gen, m, errors.Wrap(ErrHardwareUnavailable, pinErr.Error()), FaultDisconnected)
	case limitHit:
		a.finish(gen, m, ErrLimitExceeded, FaultNone)
	case err == nil:
		a.finish(gen, m, nil, FaultNone)
	case ctx.Err() != nil:
		a.finish(gen, m, ErrStopped, FaultNone)
	case errors.Is(err, context.DeadlineExceeded):
		a.finish(gen, m, ErrStall, FaultStall)
	default:
		a.finish(gen, m, errors.Wrap(ErrHardwareUnavailable, err.Error()), FaultDisconnected)
	}

	if a.cfg.ReleaseAfterMove {
		_ = a.motor.Disable()
	}
}

func (a *GPIOAdapter) finish(gen uint64, m *Move, err error, f Fault) {
	a.mu.Lock()
	if a.gen == gen {
		a.active = nil
	}
	if f != FaultNone {
		a.latched = f
	}
	a.mu.Unlock()
	m.Finish(err)
}

func (a *GPIOAdapter) cancelGen(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		return
	}
	a.stopLocked()
}

func (a *GPIOAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	return nil
}

func (a *GPIOAdapter) ReadPosition() (Position, error) {
	return Position(a.motor.Position()), nil
}

func (a *GPIOAdapter) ReadFault() Fault {
	a.mu.Lock()
	latched := a.latched
	a.mu.Unlock()
	if latched != FaultNone {
		return latched
	}
	active, err := a.limitActive()
	if err != nil {
		return FaultDisconnected
	}
	if active {
		return FaultLimitExceeded
	}
	return FaultNone
}

// ClearFault drops a latched stall or disconnect after operator intervention.
func (a *GPIOAdapter) ClearFault() {
	a.mu.Lock()
	a.latched = FaultNone
	a.mu.Unlock()
}
