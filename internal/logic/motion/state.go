package motion

import (
	"github.com/pkg/errors"
)

// State is the scheduler state.
type State int

const (
	Idle    State = iota // no sequence, shutters closed
	Armed                // sequence loaded, waiting for the first trigger
	Running              // a step is open or executing
	Waiting              // every shutter confirmed closed
	Faulted              // preempted by a fault, only ResetAfterFault leaves it
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Input drives state transitions.
type Input int

const (
	InputLoad     Input = iota // a sequence was loaded
	InputStepOpen              // a step opening a shutter started
	InputStepWait              // a "none" step (or the end) closed everything
	InputPause
	InputReset
	InputFault
	InputRecover
)

func (i Input) String() string {
	switch i {
	case InputLoad:
		return "load"
	case InputStepOpen:
		return "step_open"
	case InputStepWait:
		return "step_wait"
	case InputPause:
		return "pause"
	case InputReset:
		return "reset"
	case InputFault:
		return "fault"
	case InputRecover:
		return "recover"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidTransition is returned for an input the current state does not accept.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrFaulted is returned for requests rejected because the scheduler is faulted.
	ErrFaulted = errors.New("scheduler faulted")
	// ErrUnresolvedChannel means a sequence references a channel without calibration.
	ErrUnresolvedChannel = errors.New("unresolved channel")
	// ErrTriggerOverrun is reported when a queued trigger is replaced.
	ErrTriggerOverrun = errors.New("trigger overrun")
	// ErrNotConfirmed means a move completed but the read-back is off target.
	ErrNotConfirmed = errors.New("position not confirmed")
)

// transitions lists every accepted (state, input) pair.
var transitions = map[State]map[Input]State{
	Idle: {
		InputLoad:  Armed,
		InputReset: Idle,
		InputFault: Faulted,
	},
	Armed: {
		InputLoad:     Armed,
		InputStepOpen: Running,
		InputStepWait: Waiting,
		InputPause:    Waiting,
		InputReset:    Idle,
		InputFault:    Faulted,
	},
	Running: {
		InputStepOpen: Running,
		InputStepWait: Waiting,
		InputPause:    Waiting,
		InputReset:    Idle,
		InputFault:    Faulted,
	},
	Waiting: {
		InputLoad:     Armed,
		InputStepOpen: Running,
		InputStepWait: Waiting,
		InputPause:    Waiting,
		InputReset:    Idle,
		InputFault:    Faulted,
	},
	Faulted: {
		InputFault:   Faulted,
		InputRecover: Idle,
	},
}

// Next returns the state reached from s on input in.
func Next(s State, in Input) (State, error) {
	to, ok := transitions[s][in]
	if !ok {
		return s, errors.Wrapf(ErrInvalidTransition, "%s in state %s", in, s)
	}
	return to, nil
}
