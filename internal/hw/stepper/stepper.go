package stepper

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/hw/gpio"
)

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	StepPin       int
	DirPin        int
	EnablePin     int // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepsPerRev   int
	Microstepping int
	StepDelay     time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
	InvertDir     bool          // swap the DIR level for "forward"
}

// Stepper drives a STEP/DIR stepper driver and counts its absolute position.
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration // default delay between STEP pulse half-cycles
	pos   atomic.Int64
}

// NewStepper creates a new stepper motor controller.
// cfg.StepDelay: if 0, defaults to 1ms.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// Position returns the absolute position in microsteps.
func (s *Stepper) Position() int64 {
	return s.pos.Load()
}

// SetPosition redefines the current position (used after homing).
func (s *Stepper) SetPosition(p int64) {
	s.pos.Store(p)
}

// MicrostepsPerRev returns steps per revolution times microstepping.
func (s *Stepper) MicrostepsPerRev() int {
	return s.cfg.StepsPerRev * s.cfg.Microstepping
}

// MoveSteps moves the motor by a number of steps (positive or negative)
// at the default step rate.
func (s *Stepper) MoveSteps(steps int) error {
	_, err := s.Run(context.Background(), int64(steps), Ramp{}, nil)
	return err
}

// Ramp is a trapezoidal speed profile. Zero fields fall back to the
// stepper's fixed StepDelay.
type Ramp struct {
	Velocity     float64 // steps/s
	Acceleration float64 // steps/s²
}

// halfDelay returns the half-cycle delay for step i of n.
func (s *Stepper) halfDelay(r Ramp, i, n int64) time.Duration {
	if r.Velocity <= 0 {
		return s.delay
	}
	v := r.Velocity
	if r.Acceleration > 0 {
		// distance to the nearest end of the move bounds the speed
		d := i + 1
		if rest := n - i; rest < d {
			d = rest
		}
		if ramp := math.Sqrt(2 * r.Acceleration * float64(d)); ramp < v {
			v = ramp
		}
	}
	return time.Duration(float64(time.Second) / v / 2)
}

// Run moves by steps following r until done, ctx is cancelled, or halt
// returns true (checked before every pulse). It returns the number of steps
// actually taken, signed like steps.
func (s *Stepper) Run(ctx context.Context, steps int64, r Ramp, halt func() bool) (int64, error) {
	if steps == 0 {
		return 0, nil
	}

	var dirLevel gpio.Level
	var direction string
	var sign int64
	if steps > 0 {
		dirLevel = gpio.High
		direction = "forward"
		sign = 1
	} else {
		dirLevel = gpio.Low
		direction = "backward"
		sign = -1
		steps = -steps
	}
	if s.cfg.InvertDir {
		dirLevel = !dirLevel
	}

	debug.Printf("Stepper: moving %d steps (%s) on pin %d", steps, direction, s.cfg.StepPin)

	if err := s.gpio.WritePin(s.cfg.DirPin, dirLevel); err != nil {
		return 0, err
	}

	var i int64
	for i = 0; i < steps; i++ {
		if ctx.Err() != nil {
			return sign * i, ctx.Err()
		}
		if halt != nil && halt() {
			return sign * i, nil
		}
		if err := s.stepPulse(s.halfDelay(r, i, steps)); err != nil {
			return sign * i, err
		}
		s.pos.Add(sign)
	}
	return sign * i, nil
}

func (s *Stepper) stepPulse(d time.Duration) error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(d)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(d)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel,
// no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
