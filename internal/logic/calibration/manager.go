// Package calibration homes each shutter against its limit switch and derives
// the open and closed positions the scheduler drives to.
package calibration

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/events"
	"github.com/cjeanneret/paws/internal/hw/motor"
)

// ErrCalibrationFailed is returned when homing or verification fails.
var ErrCalibrationFailed = errors.New("calibration failed")

// Params tunes the calibration of one channel.
type Params struct {
	HomingVelocity float64       // steps/s toward the limit
	HomingTravel   int64         // max steps driven toward the limit
	HomingTimeout  time.Duration // per phase
	Tolerance      motor.Position
	Profile        motor.Profile // for the open/closed verification moves
	ClosedOffset   int64         // closed position, steps from home (>= 1)
	OpenTravel     int64         // steps from closed to open
	StepsPerUnit   float64
}

// Target is one channel to calibrate.
type Target struct {
	Channel int
	Adapter motor.Adapter
	Params  Params
}

// Manager runs calibration. Expect, when set, is told while a channel is
// expected to sit on its limit switch so the safety monitor ignores it.
type Manager struct {
	Hub    *events.Hub
	Expect func(channel int, limit bool)

	poll time.Duration
	now  func() time.Time
}

func NewManager(hub *events.Hub) *Manager {
	return &Manager{Hub: hub, poll: 5 * time.Millisecond, now: time.Now}
}

// CalibrateAll calibrates every target in order. It stops at the first
// failure and returns the records obtained so far.
func (m *Manager) CalibrateAll(ctx context.Context, targets []Target) (Records, error) {
	debug.Section("Calibration")
	out := make(Records, len(targets))
	for _, t := range targets {
		rec, err := m.Calibrate(ctx, t.Channel, t.Adapter, t.Params)
		if err != nil {
			return out, err
		}
		out[t.Channel] = rec
	}
	debug.Info("Calibration complete for %d channel(s)", len(out))
	return out, nil
}

// Calibrate homes one channel, then verifies its open and closed positions.
// The channel is left closed.
func (m *Manager) Calibrate(ctx context.Context, ch int, a motor.Adapter, p Params) (Record, error) {
	log := debug.WithChannel(ch)
	if p.ClosedOffset < 1 {
		return Record{}, m.fail(ch, errors.Errorf("closed offset must be >= 1, got %d", p.ClosedOffset))
	}
	if p.OpenTravel < 1 {
		return Record{}, m.fail(ch, errors.Errorf("open travel must be >= 1, got %d", p.OpenTravel))
	}

	m.expect(ch, true)
	defer m.expect(ch, false)

	home, err := m.home(ctx, ch, a, p)
	if err != nil {
		return Record{}, m.fail(ch, err)
	}
	log.Infof("home found at %d", home)

	closed := home + motor.Position(p.ClosedOffset)
	open := closed + motor.Position(p.OpenTravel)

	if err := m.verify(ctx, a, open, p, "open"); err != nil {
		return Record{}, m.fail(ch, err)
	}
	if err := m.verify(ctx, a, closed, p, "closed"); err != nil {
		return Record{}, m.fail(ch, err)
	}

	rec := Record{
		Channel:      ch,
		HomeOffset:   int64(home),
		OpenOffset:   int64(open - home),
		ClosedOffset: int64(closed - home),
		StepsPerUnit: p.StepsPerUnit,
		CalibratedAt: m.now().UTC(),
	}
	debug.Value(debug.Fmt("channel %d", ch), debug.Fmt("home=%d closed=%d open=%d", home, closed, open))
	m.Hub.Publish(events.CalibrationDone, events.CalibrationEvent{
		Channel: ch, Home: rec.HomeOffset, Open: rec.OpenOffset, Closed: rec.ClosedOffset, Ts: rec.CalibratedAt.Unix(),
	})
	return rec, nil
}

// home drives toward the limit until ReadFault reports it or the timeout
// expires, then stops and reads back the position.
func (m *Manager) home(ctx context.Context, ch int, a motor.Adapter, p Params) (motor.Position, error) {
	if f := a.ReadFault(); f != motor.FaultNone && f != motor.FaultLimitExceeded {
		return motor.Unknown, errors.Wrapf(ErrCalibrationFailed, "channel %d reports %s before homing", ch, f)
	}
	cur, err := a.ReadPosition()
	if err != nil {
		return motor.Unknown, errors.Wrap(err, "read start position")
	}
	if !cur.Known() {
		cur = 0
	}

	limited := a.ReadFault() == motor.FaultLimitExceeded
	if !limited {
		mv, err := a.MoveTo(cur-motor.Position(p.HomingTravel), motor.Profile{Velocity: p.HomingVelocity})
		if err != nil {
			return motor.Unknown, errors.Wrap(err, "start homing move")
		}
		limited, err = m.awaitLimit(ctx, a, mv, p.HomingTimeout)
		if err != nil {
			_ = a.Stop()
			return motor.Unknown, err
		}
	}
	if err := a.Stop(); err != nil {
		return motor.Unknown, errors.Wrap(err, "stop at limit")
	}
	if !limited {
		return motor.Unknown, errors.Wrapf(ErrCalibrationFailed, "channel %d: limit switch not reached", ch)
	}

	home, err := a.ReadPosition()
	if err != nil {
		return motor.Unknown, errors.Wrap(err, "read home position")
	}
	if !home.Known() {
		return motor.Unknown, errors.Wrapf(ErrCalibrationFailed, "channel %d: home position unreadable", ch)
	}
	return home, nil
}

func (m *Manager) awaitLimit(ctx context.Context, a motor.Adapter, mv *motor.Move, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.poll)
	defer tick.Stop()

	for {
		switch f := a.ReadFault(); f {
		case motor.FaultLimitExceeded:
			return true, nil
		case motor.FaultNone:
		default:
			return false, errors.Wrapf(ErrCalibrationFailed, "fault during homing: %s", f)
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, errors.Wrapf(ErrCalibrationFailed, "homing timed out after %v", timeout)
		case <-mv.Done():
			err := mv.Err()
			if errors.Is(err, motor.ErrLimitExceeded) {
				return true, nil
			}
			if err != nil {
				return false, errors.Wrapf(ErrCalibrationFailed, "homing move: %v", err)
			}
			// travel exhausted; one last look at the switch
			return a.ReadFault() == motor.FaultLimitExceeded, nil
		case <-tick.C:
		}
	}
}

func (m *Manager) verify(ctx context.Context, a motor.Adapter, target motor.Position, p Params, what string) error {
	mv, err := a.MoveTo(target, p.Profile)
	if err != nil {
		return errors.Wrapf(err, "move to %s", what)
	}
	wctx, cancel := context.WithTimeout(ctx, p.HomingTimeout)
	defer cancel()
	if err := mv.Wait(wctx); err != nil {
		mv.Cancel()
		return errors.Wrapf(ErrCalibrationFailed, "move to %s: %v", what, err)
	}
	got, err := a.ReadPosition()
	if err != nil {
		return errors.Wrapf(err, "read %s position", what)
	}
	if !got.Within(target, p.Tolerance) {
		return errors.Wrapf(ErrCalibrationFailed, "%s position %d not within %d of %d", what, got, p.Tolerance, target)
	}
	return nil
}

func (m *Manager) expect(ch int, on bool) {
	if m.Expect != nil {
		m.Expect(ch, on)
	}
}

func (m *Manager) fail(ch int, err error) error {
	if !errors.Is(err, ErrCalibrationFailed) {
		err = errors.Wrapf(ErrCalibrationFailed, "channel %d: %v", ch, err)
	}
	debug.WithChannel(ch).WithError(err).Error("calibration failed")
	m.Hub.Publish(events.CalibrationFail, events.CalibrationEvent{Channel: ch, Error: err.Error(), Ts: time.Now().Unix()})
	return err
}
