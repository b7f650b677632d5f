// Package motor defines the capability contract every shutter motor backend
// satisfies, plus a deterministic simulator and a GPIO stepper backend.
package motor

import (
	"math"

	"github.com/pkg/errors"
)

// Position is an absolute motor position in (micro)steps.
type Position int64

// Unknown is reported by ReadPosition when the controller cannot answer.
const Unknown Position = math.MinInt64

func (p Position) Known() bool { return p != Unknown }

// Within reports whether p is within tol steps of q.
func (p Position) Within(q Position, tol Position) bool {
	if !p.Known() || !q.Known() {
		return false
	}
	d := p - q
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// Profile is the requested velocity (steps/s) and acceleration (steps/s²).
// Zero values select the backend default.
type Profile struct {
	Velocity     float64 `json:"velocity" yaml:"velocity"`
	Acceleration float64 `json:"acceleration" yaml:"acceleration"`
}

// Command is a single motion request handed to an Adapter.
type Command struct {
	Channel int      `json:"channel"`
	Target  Position `json:"target"`
	Profile Profile  `json:"profile"`
}

// Fault is the health state reported by a motor channel.
type Fault int

const (
	FaultNone Fault = iota
	FaultStall
	FaultLimitExceeded
	FaultDisconnected
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultStall:
		return "stall"
	case FaultLimitExceeded:
		return "limit_exceeded"
	case FaultDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Err maps a fault to its sentinel error (nil for FaultNone).
func (f Fault) Err() error {
	switch f {
	case FaultNone:
		return nil
	case FaultStall:
		return ErrStall
	case FaultLimitExceeded:
		return ErrLimitExceeded
	case FaultDisconnected:
		return ErrHardwareUnavailable
	default:
		return errors.Errorf("unknown fault %d", int(f))
	}
}

var (
	// ErrHardwareUnavailable means the controller could not be reached.
	ErrHardwareUnavailable = errors.New("hardware unavailable")
	// ErrStall means a move did not complete within its timeout.
	ErrStall = errors.New("motor stall")
	// ErrLimitExceeded means a limit switch was hit.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrStopped is the result of a move interrupted by Stop or Cancel.
	ErrStopped = errors.New("move stopped")
)

// Adapter is one physical stepper channel.
//
// MoveTo is non-blocking: it starts motion and returns a Move that completes
// when the controller reports the target reached. Repeating MoveTo with the
// current target while idle is a no-op. Stop must be safe to call while a
// move is outstanding.
type Adapter interface {
	MoveTo(target Position, p Profile) (*Move, error)
	Stop() error
	ReadPosition() (Position, error)
	ReadFault() Fault
}
