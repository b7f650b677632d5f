package motor

import (
	"sync"
	"time"

	"github.com/cjeanneret/paws/internal/debug"
)

// SimConfig describes a simulated stepper channel.
type SimConfig struct {
	Channel     int
	Start       Position
	Velocity    float64       // steps/s used when a Profile leaves it at zero
	HasLimit    bool          // a home limit switch exists at the low end
	Limit       Position      // the switch trips at positions <= Limit
	Tolerance   Position      // in-position window for idempotent MoveTo
	MoveTimeout time.Duration // slack over the expected travel time before a stall
}

// SimEntry is one physical command seen by a Sim.
type SimEntry struct {
	Channel int
	At      time.Time
	Kind    string // "move" or "stop"
	Target  Position
}

// Sim is a deterministic in-memory stepper used in mock mode and tests.
// Motion is linear at the profile velocity; faults can be injected.
type Sim struct {
	cfg SimConfig

	mu           sync.Mutex
	pos          Position // position when idle, or where the current segment started
	end          Position // where the current segment stops
	started      time.Time
	travel       time.Duration
	moving       bool
	active       *Move
	gen          uint64
	latched      Fault
	disconnected bool
	log          []SimEntry
	hook         func(SimEntry)
}

// NewSim creates a simulated channel.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Velocity <= 0 {
		cfg.Velocity = 2000
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = 2 * time.Second
	}
	return &Sim{cfg: cfg, pos: cfg.Start, end: cfg.Start}
}

// OnCommand installs a hook called (under the sim lock) for every command.
func (s *Sim) OnCommand(fn func(SimEntry)) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

func (s *Sim) MoveTo(target Position, p Profile) (*Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnected {
		return nil, ErrHardwareUnavailable
	}
	if s.latched == FaultStall {
		return nil, ErrStall
	}

	now := time.Now()
	cur := s.positionLocked(now)
	if s.moving && s.active != nil && s.active.Target == target {
		return s.active, nil
	}
	if !s.moving && cur.Within(target, s.cfg.Tolerance) {
		debug.Trace("sim %d: already at %d", s.cfg.Channel, target)
		return Completed(target), nil
	}

	if s.moving {
		s.active.Finish(ErrStopped)
	}

	end := target
	hitsLimit := false
	if s.cfg.HasLimit && target <= s.cfg.Limit && target < cur {
		end = s.cfg.Limit
		hitsLimit = true
		if cur <= s.cfg.Limit {
			end = cur
		}
	}

	v := p.Velocity
	if v <= 0 {
		v = s.cfg.Velocity
	}
	dist := float64(end - cur)
	if dist < 0 {
		dist = -dist
	}

	s.gen++
	gen := s.gen
	m := NewMove(target, func() { s.cancel(gen) })
	s.pos = cur
	s.end = end
	s.started = now
	s.travel = time.Duration(dist / v * float64(time.Second))
	s.moving = true
	s.active = m
	s.record(SimEntry{Channel: s.cfg.Channel, At: now, Kind: "move", Target: target})

	go s.run(gen, m, s.travel, hitsLimit)
	return m, nil
}

func (s *Sim) run(gen uint64, m *Move, travel time.Duration, hitsLimit bool) {
	timer := time.NewTimer(travel)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.Done():
		return
	}

	s.mu.Lock()
	if s.gen != gen || !s.moving {
		s.mu.Unlock()
		return
	}
	if s.latched != FaultStall {
		s.pos = s.end
		s.moving = false
		s.active = nil
		s.mu.Unlock()
		if hitsLimit {
			m.Finish(ErrLimitExceeded)
		} else {
			m.Finish(nil)
		}
		return
	}
	s.mu.Unlock()

	// Stalled: the controller never reports completion, so the bounded
	// timeout turns the move into a stall.
	stall := time.NewTimer(s.cfg.MoveTimeout)
	defer stall.Stop()
	select {
	case <-stall.C:
	case <-m.Done():
		return
	}
	s.mu.Lock()
	if s.gen == gen && s.moving {
		s.moving = false
		s.active = nil
	}
	s.mu.Unlock()
	m.Finish(ErrStall)
}

func (s *Sim) cancel(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !s.moving {
		return
	}
	s.haltLocked(time.Now())
}

func (s *Sim) haltLocked(now time.Time) {
	s.pos = s.positionLocked(now)
	s.end = s.pos
	s.moving = false
	s.active = nil
	s.gen++
	s.record(SimEntry{Channel: s.cfg.Channel, At: now, Kind: "stop", Target: s.pos})
}

func (s *Sim) Stop() error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return ErrHardwareUnavailable
	}
	var m *Move
	if s.moving {
		m = s.active
		s.haltLocked(time.Now())
	}
	s.mu.Unlock()
	if m != nil {
		m.Finish(ErrStopped)
	}
	return nil
}

func (s *Sim) ReadPosition() (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return Unknown, ErrHardwareUnavailable
	}
	return s.positionLocked(time.Now()), nil
}

func (s *Sim) ReadFault() Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return FaultDisconnected
	}
	if s.latched != FaultNone {
		return s.latched
	}
	if s.cfg.HasLimit && s.positionLocked(time.Now()) <= s.cfg.Limit {
		return FaultLimitExceeded
	}
	return FaultNone
}

// InjectFault simulates a hardware failure. A stall freezes the motor where
// it is; a disconnect makes every call fail with ErrHardwareUnavailable.
func (s *Sim) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch f {
	case FaultDisconnected:
		s.disconnected = true
	case FaultStall:
		s.pos = s.positionLocked(time.Now())
		s.end = s.pos
		s.latched = FaultStall
	default:
		s.latched = f
	}
}

// ClearFault removes injected faults, as an operator fixing the hardware would.
func (s *Sim) ClearFault() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latched = FaultNone
	s.disconnected = false
}

// Commands returns the physical commands issued so far.
func (s *Sim) Commands() []SimEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimEntry, len(s.log))
	copy(out, s.log)
	return out
}

// Moving reports whether a move is in progress.
func (s *Sim) Moving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moving
}

func (s *Sim) record(e SimEntry) {
	s.log = append(s.log, e)
	if s.hook != nil {
		s.hook(e)
	}
}

func (s *Sim) positionLocked(now time.Time) Position {
	if !s.moving || s.latched == FaultStall {
		return s.pos
	}
	if s.travel <= 0 {
		return s.end
	}
	frac := float64(now.Sub(s.started)) / float64(s.travel)
	if frac >= 1 {
		return s.end
	}
	return s.pos + Position(float64(s.end-s.pos)*frac)
}
