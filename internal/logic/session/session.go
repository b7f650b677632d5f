// Package session wires a configuration into running hardware: motor
// adapters, calibration, the scheduler, the safety monitor and the trigger
// listener.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/config"
	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/events"
	"github.com/cjeanneret/paws/internal/hw/controller"
	"github.com/cjeanneret/paws/internal/hw/gpio"
	"github.com/cjeanneret/paws/internal/hw/motor"
	"github.com/cjeanneret/paws/internal/hw/stepper"
	"github.com/cjeanneret/paws/internal/hw/trigger"
	"github.com/cjeanneret/paws/internal/logic/calibration"
	"github.com/cjeanneret/paws/internal/logic/geometry"
	"github.com/cjeanneret/paws/internal/logic/motion"
	"github.com/cjeanneret/paws/internal/logic/safety"
)

var (
	// ErrNotCalibrated is returned by scheduler operations before every
	// shutter has a calibration record.
	ErrNotCalibrated = errors.New("shutters are not calibrated")
	// ErrCalibrating is returned while a calibration run owns the motors.
	ErrCalibrating = errors.New("calibration in progress")
)

type faultClearer interface {
	ClearFault()
}

// Session owns the hardware for one configuration.
type Session struct {
	ID  uuid.UUID
	cfg *config.Config
	hub *events.Hub

	drv      gpio.Driver
	board    *controller.Board
	adapters []motor.Adapter
	specs    []motion.ChannelSpec
	targets  []calibration.Target

	store    *calibration.Store
	calib    *calibration.Manager
	monitor  *safety.Monitor
	software *trigger.Software
	listener *trigger.Listener

	mu          sync.Mutex
	sched       *motion.Scheduler
	records     calibration.Records
	calibrating bool
	calCancel   context.CancelFunc
}

// Status is a snapshot of the whole session.
type Status struct {
	RunID       string               `json:"run_id"`
	Calibrated  bool                 `json:"calibrated"`
	Calibrating bool                 `json:"calibrating"`
	Scheduler   *motion.Status       `json:"scheduler,omitempty"`
	Channels    []motion.ChannelInfo `json:"channels,omitempty"`
	Trigger     TriggerStatus        `json:"trigger"`
}

// TriggerStatus reports the trigger listener counters.
type TriggerStatus struct {
	Source string `json:"source"`
	Count  uint64 `json:"count"`
	LastMs int64  `json:"last_ms,omitempty"`
}

// Open builds the adapters described by cfg and loads the calibration
// store. When every shutter has a record the scheduler is ready and the
// configured sequence, if any, is armed.
func Open(cfg *config.Config, hub *events.Hub) (*Session, error) {
	s := &Session{
		ID:    uuid.New(),
		cfg:   cfg,
		hub:   hub,
		store: calibration.NewStore(cfg.Calibration.StorePath),
		calib: calibration.NewManager(hub),
	}
	debug.Section("Session")
	debug.Value("Run ID", s.ID)
	debug.Value("Controller", cfg.Controller.Type)
	debug.Value("Trigger source", cfg.Trigger.Source)

	if err := s.openHardware(); err != nil {
		s.closeHardware()
		return nil, err
	}

	byIndex := make(map[int]motor.Adapter, len(s.adapters))
	for i, a := range s.adapters {
		byIndex[i] = a
	}
	s.monitor = safety.New(byIndex, s, cfg.SafetyPollInterval(), hub)
	s.calib.Expect = s.monitor.Expect

	src, err := s.triggerSource()
	if err != nil {
		s.closeHardware()
		return nil, err
	}
	s.listener = trigger.NewListener(src, s.deliver)

	recs, err := s.store.Load()
	if err != nil {
		s.closeHardware()
		return nil, errors.Wrap(err, "load calibration")
	}
	if missing := recs.Missing(s.channelIndexes()); len(missing) > 0 {
		debug.Warn("No calibration for channel(s) %v: run calibration before operating", missing)
		return s, nil
	}
	if err := s.install(recs); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) openHardware() error {
	cfg := s.cfg
	if cfg.Controller.Type == "gpio" || cfg.Trigger.Source == "gpio" {
		drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return errors.Wrap(err, "init GPIO")
		}
		s.drv = drv
	}
	if cfg.Controller.Type == "serial" {
		b, err := controller.OpenSerial(controller.Config{
			Device:       cfg.Controller.Device,
			Baud:         cfg.Controller.Baud,
			ReadTimeout:  cfg.ControllerReadTimeout(),
			Retries:      cfg.Controller.Retries,
			PollInterval: cfg.ControllerPollInterval(),
			MoveTimeout:  cfg.MoveTimeout(),
			MaxTravel:    motor.Position(cfg.Calibration.HomingTravel),
			Tolerance:    motor.Position(cfg.Calibration.Tolerance),
		})
		if err != nil {
			return err
		}
		s.board = b
	}

	for i, sh := range cfg.Shutters {
		a, err := s.newAdapter(i, sh)
		if err != nil {
			return errors.Wrapf(err, "shutter %q", sh.Name)
		}
		calc := geometry.NewStepsCalculator(sh)
		profile := motor.Profile{Velocity: sh.Velocity, Acceleration: sh.Acceleration}
		s.adapters = append(s.adapters, a)
		s.specs = append(s.specs, motion.ChannelSpec{Index: i, Name: sh.Name, Adapter: a, Profile: profile})
		s.targets = append(s.targets, calibration.Target{
			Channel: i,
			Adapter: a,
			Params: calibration.Params{
				HomingVelocity: cfg.Calibration.HomingVelocity,
				HomingTravel:   cfg.Calibration.HomingTravel,
				HomingTimeout:  cfg.HomingTimeout(),
				Tolerance:      motor.Position(cfg.Calibration.Tolerance),
				Profile:        profile,
				ClosedOffset:   sh.ClosedOffset,
				OpenTravel:     calc.OpenTravel(sh),
				StepsPerUnit:   calc.StepsPerDegree(),
			},
		})
		debug.PrintStruct(debug.Fmt("Shutter %d", i), sh)
	}
	return nil
}

func (s *Session) newAdapter(i int, sh config.ShutterConfig) (motor.Adapter, error) {
	cfg := s.cfg
	tol := motor.Position(cfg.Calibration.Tolerance)
	switch cfg.Controller.Type {
	case "gpio":
		st := stepper.NewStepper(s.drv, stepper.Config{
			StepPin:       sh.StepPin,
			DirPin:        sh.DirPin,
			EnablePin:     sh.EnablePin,
			StepsPerRev:   sh.StepsPerRev,
			Microstepping: sh.Microstepping,
			InvertDir:     sh.Reverse,
		})
		return motor.NewGPIOAdapter(s.drv, st, motor.GPIOConfig{
			Channel:          i,
			LimitPin:         sh.LimitPin,
			LimitActiveLow:   sh.LimitActiveLow,
			Tolerance:        tol,
			Velocity:         sh.Velocity,
			MoveTimeout:      cfg.MoveTimeout(),
			ReleaseAfterMove: sh.ReleaseAfter,
		}), nil
	case "serial":
		return s.board.Channel(sh.Channel), nil
	case "sim":
		// powered up closed, above a limit switch at 0
		return motor.NewSim(motor.SimConfig{
			Channel:     i,
			Start:       motor.Position(sh.ClosedOffset),
			Velocity:    sh.Velocity,
			HasLimit:    true,
			Limit:       0,
			Tolerance:   tol,
			MoveTimeout: cfg.MoveTimeout(),
		}), nil
	}
	return nil, errors.Errorf("unsupported controller type %q", cfg.Controller.Type)
}

func (s *Session) triggerSource() (trigger.Source, error) {
	t := s.cfg.Trigger
	switch t.Source {
	case "gpio":
		edge, err := trigger.ParseEdge(t.Edge)
		if err != nil {
			return nil, err
		}
		return trigger.NewLine(s.drv, t.Pin, edge, s.cfg.TriggerPoll(), s.cfg.TriggerDebounce()), nil
	case "clock":
		return &trigger.Clock{Period: s.cfg.ClockPeriod(), Loops: t.Loops}, nil
	case "software":
		s.software = trigger.NewSoftware()
		return s.software, nil
	}
	return nil, errors.Errorf("unsupported trigger source %q", t.Source)
}

func (s *Session) channelIndexes() []int {
	out := make([]int, len(s.specs))
	for i, sp := range s.specs {
		out[i] = sp.Index
	}
	return out
}

func (s *Session) schedulerOptions() motion.Options {
	return motion.Options{
		DarkInterval: s.cfg.DarkInterval(),
		AllowOverlap: s.cfg.Scheduler.AllowOverlap,
		Tolerance:    motor.Position(s.cfg.Calibration.Tolerance),
		// adapters detect a stall after their own slack; this bounds the round trip
		MoveTimeout: 2 * s.cfg.MoveTimeout(),
		Hub:         s.hub,
	}
}

// install builds a scheduler over recs and arms the configured sequence.
func (s *Session) install(recs calibration.Records) error {
	sched, err := motion.New(s.specs, recs, s.schedulerOptions())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sched = sched
	s.records = recs
	s.mu.Unlock()

	if s.cfg.Sequence != nil {
		seq, err := s.SequenceFromConfig(*s.cfg.Sequence)
		if err != nil {
			return err
		}
		if err := sched.LoadSequence(seq); err != nil {
			return errors.Wrap(err, "arm configured sequence")
		}
	}
	return nil
}

// SequenceFromConfig resolves shutter names to channel indexes.
func (s *Session) SequenceFromConfig(sc config.SequenceConfig) (motion.Sequence, error) {
	seq := motion.Sequence{Repeat: sc.Repeat}
	for i, st := range sc.Steps {
		hold := time.Duration(st.HoldMs) * time.Millisecond
		if st.Shutter == config.NoneShutter {
			seq.Steps = append(seq.Steps, motion.Wait(hold))
			continue
		}
		idx := s.cfg.ShutterIndex(st.Shutter)
		if idx < 0 {
			return motion.Sequence{}, errors.Wrapf(motion.ErrUnresolvedChannel, "step %d: unknown shutter %q", i, st.Shutter)
		}
		seq.Steps = append(seq.Steps, motion.Open(idx, hold))
	}
	return seq, nil
}

// Scheduler returns the active scheduler.
func (s *Session) Scheduler() (*motion.Scheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calibrating {
		return nil, ErrCalibrating
	}
	if s.sched == nil {
		return nil, ErrNotCalibrated
	}
	return s.sched, nil
}

// Records returns the calibration in use (nil before calibration).
func (s *Session) Records() calibration.Records {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		return nil
	}
	out := make(calibration.Records, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Config returns the configuration the session was opened with.
func (s *Session) Config() *config.Config {
	return s.cfg
}

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		RunID:       s.ID.String(),
		Calibrated:  s.sched != nil,
		Calibrating: s.calibrating,
	}
	sched := s.sched
	s.mu.Unlock()

	if sched != nil {
		ss := sched.Status()
		st.Scheduler = &ss
		st.Channels = sched.Channels()
	}
	n, last := s.listener.Stats()
	st.Trigger = TriggerStatus{Source: s.listener.Source().Name(), Count: n}
	if !last.IsZero() {
		st.Trigger.LastMs = last.UnixMilli()
	}
	return st
}

// Calibrate homes every shutter and stores the records. From Idle (or
// before the first calibration) the scheduler is rebuilt over the new
// records; from Faulted the records are handed to ResetAfterFault.
func (s *Session) Calibrate(ctx context.Context) (calibration.Records, error) {
	s.mu.Lock()
	if s.calibrating {
		s.mu.Unlock()
		return nil, ErrCalibrating
	}
	old := s.sched
	recovering := false
	if old != nil {
		switch st := old.State(); st {
		case motion.Idle:
		case motion.Faulted:
			recovering = true
		default:
			s.mu.Unlock()
			return nil, errors.Wrapf(motion.ErrInvalidTransition, "calibrate while %s: reset first", st)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.calibrating = true
	s.calCancel = cancel
	if !recovering {
		s.sched = nil
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.calibrating = false
		s.calCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	if old != nil && !recovering {
		old.Close()
	}
	// calibration is the operator's acknowledgement of a latched fault
	for _, a := range s.adapters {
		if fc, ok := a.(faultClearer); ok {
			fc.ClearFault()
		}
	}
	s.monitor.Reset()

	recs, err := s.calib.CalibrateAll(ctx, s.targets)
	if err != nil {
		if !recovering && old != nil {
			s.restore()
		}
		return nil, err
	}
	if err := s.store.Save(recs); err != nil {
		return nil, errors.Wrap(err, "save calibration")
	}
	debug.Info("Calibration saved to %s", s.store.Path())

	if recovering {
		if err := old.ResetAfterFault(ctx, recs); err != nil {
			return nil, err
		}
		s.monitor.Reset()
		s.mu.Lock()
		s.records = recs
		s.mu.Unlock()
		return recs, nil
	}
	if err := s.install(recs); err != nil {
		return nil, err
	}
	s.monitor.Reset()
	return recs, nil
}

// restore rebuilds the scheduler over the previous records after a failed
// recalibration.
func (s *Session) restore() {
	s.mu.Lock()
	recs := s.records
	s.mu.Unlock()
	if recs == nil {
		return
	}
	if err := s.install(recs); err != nil {
		debug.Errorf("restore scheduler: %v", err)
	}
}

// Preempt stops any calibration run and faults the scheduler.
func (s *Session) Preempt(reason string) {
	s.mu.Lock()
	sched, cancel := s.sched, s.calCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sched != nil {
		sched.Preempt(reason)
		return
	}
	debug.Errorf("fault with no scheduler running: %s", reason)
}

// FireSoftware injects a trigger as if the configured source had fired.
func (s *Session) FireSoftware(hint *int) bool {
	if s.software != nil {
		return s.software.Fire(hint)
	}
	s.deliver(trigger.NewEvent("software", hint))
	return true
}

func (s *Session) deliver(e trigger.Event) {
	s.mu.Lock()
	sched, calibrating := s.sched, s.calibrating
	s.mu.Unlock()
	if sched == nil || calibrating {
		reason := ErrNotCalibrated.Error()
		if calibrating {
			reason = ErrCalibrating.Error()
		}
		s.hub.Publish(events.TriggerIgnored, events.TriggerEvent{TriggerID: e.ID.String(), Reason: reason, Ts: time.Now().UnixMilli()})
		return
	}
	sched.Trigger(e)
}

// Run starts the safety monitor and the trigger listener and blocks until
// ctx ends or the trigger source fails.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.monitor.Run(ctx)
	}()

	err := s.listener.Run(ctx)
	if err == nil {
		// a finite source (clock with loops) ran out; keep guarding the motors
		<-ctx.Done()
	}
	cancel()
	wg.Wait()
	return err
}

// Close stops the scheduler and releases the hardware. Shutters are not
// moved; call Reset first for a closed shutdown.
func (s *Session) Close() error {
	s.mu.Lock()
	sched := s.sched
	s.sched = nil
	s.mu.Unlock()
	if sched != nil {
		sched.Close()
	}
	return s.closeHardware()
}

func (s *Session) closeHardware() error {
	var first error
	if s.board != nil {
		if err := s.board.Close(); err != nil {
			first = err
		}
		s.board = nil
	}
	if s.drv != nil {
		if err := s.drv.Close(); err != nil && first == nil {
			first = err
		}
		s.drv = nil
	}
	return first
}
