package motion

import (
	"time"

	"github.com/pkg/errors"
)

// Step opens one channel (or none) and holds for Hold. A nil Channel is the
// waiting step: every shutter closed.
type Step struct {
	Channel *int          `json:"channel"`
	Hold    time.Duration `json:"hold"`
}

// Sequence is an ordered list of steps. Repeat wraps to the first step after
// the last one.
type Sequence struct {
	Steps  []Step `json:"steps"`
	Repeat bool   `json:"repeat"`
}

// Open is a step opening channel ch.
func Open(ch int, hold time.Duration) Step {
	return Step{Channel: &ch, Hold: hold}
}

// Wait is a step with every shutter closed.
func Wait(hold time.Duration) Step {
	return Step{Hold: hold}
}

// IsWait reports whether the step keeps every shutter closed.
func (s Step) IsWait() bool {
	return s.Channel == nil
}

// clone returns a deep copy; the scheduler never shares a caller's slices.
func (q Sequence) clone() *Sequence {
	out := &Sequence{Repeat: q.Repeat, Steps: make([]Step, len(q.Steps))}
	for i, st := range q.Steps {
		out.Steps[i] = Step{Hold: st.Hold}
		if st.Channel != nil {
			ch := *st.Channel
			out.Steps[i].Channel = &ch
		}
	}
	return out
}

// validate checks the sequence against the known channels.
func (q Sequence) validate(known func(int) bool) error {
	if len(q.Steps) == 0 {
		return errors.New("sequence is empty")
	}
	for i, st := range q.Steps {
		if st.Hold < 0 {
			return errors.Errorf("step %d: negative hold %v", i, st.Hold)
		}
		if st.Channel != nil && !known(*st.Channel) {
			return errors.Wrapf(ErrUnresolvedChannel, "step %d: channel %d", i, *st.Channel)
		}
	}
	return nil
}
