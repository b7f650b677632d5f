// Package motion turns an illumination sequence and a stream of trigger
// events into confirmed shutter moves. At most one shutter is open at a time
// unless overlap is explicitly allowed.
package motion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/events"
	"github.com/cjeanneret/paws/internal/hw/motor"
	"github.com/cjeanneret/paws/internal/hw/trigger"
	"github.com/cjeanneret/paws/internal/logic/calibration"
)

// Options tunes the scheduler.
type Options struct {
	DarkInterval   time.Duration  // between a confirmed close and the next open
	AllowOverlap   bool           // open the next shutter while the previous closes
	Tolerance      motor.Position // read-back epsilon
	MoveTimeout    time.Duration  // upper bound for one confirmed move
	PreemptTimeout time.Duration  // bound on the emergency close
	Hub            *events.Hub
}

func (o *Options) applyDefaults() {
	if o.MoveTimeout <= 0 {
		o.MoveTimeout = 5 * time.Second
	}
	if o.PreemptTimeout <= 0 {
		o.PreemptTimeout = 2 * time.Second
	}
}

// Status is a snapshot of the scheduler.
type Status struct {
	State       string `json:"state"`
	FaultReason string `json:"fault_reason,omitempty"`
	Paused      bool   `json:"paused"`
	Complete    bool   `json:"complete"`
	NextStep    int    `json:"next_step"`
	Loop        int    `json:"loop"`
	Steps       int    `json:"steps"`
	Busy        bool   `json:"busy"`
}

// Scheduler is the shutter state machine.
type Scheduler struct {
	opts     Options
	hub      *events.Hub
	channels []*ShutterChannel
	byIndex  map[int]*ShutterChannel

	stepMu sync.Mutex // one step in flight; Preempt never takes it

	mu          sync.Mutex
	state       State
	faultReason string
	seq         *Sequence
	next        int
	loop        int
	paused      bool
	complete    bool
	busy        bool
	pending     *trigger.Mailbox
	epoch       uint64 // bumped by Load, Pause, Reset and Preempt
	stepCancel  context.CancelFunc
	closed      bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a scheduler owning the given channels. Every channel must have
// a calibration record.
func New(specs []ChannelSpec, records calibration.Records, opts Options) (*Scheduler, error) {
	if len(specs) == 0 {
		return nil, errors.New("no channels")
	}
	opts.applyDefaults()
	s := &Scheduler{
		opts:    opts,
		hub:     opts.Hub,
		byIndex: make(map[int]*ShutterChannel, len(specs)),
		pending: trigger.NewMailbox(),
		quit:    make(chan struct{}),
	}
	for _, spec := range specs {
		if spec.Adapter == nil {
			return nil, errors.Errorf("channel %d has no adapter", spec.Index)
		}
		if _, dup := s.byIndex[spec.Index]; dup {
			return nil, errors.Errorf("duplicate channel %d", spec.Index)
		}
		rec, ok := records[spec.Index]
		if !ok {
			return nil, errors.Wrapf(ErrUnresolvedChannel, "channel %d has no calibration record", spec.Index)
		}
		ch := newShutterChannel(spec, rec, opts.Tolerance)
		s.channels = append(s.channels, ch)
		s.byIndex[spec.Index] = ch
	}
	sort.Slice(s.channels, func(i, j int) bool { return s.channels[i].Index < s.channels[j].Index })

	for _, ch := range s.channels {
		s.wg.Add(1)
		go func(ch *ShutterChannel) {
			defer s.wg.Done()
			ch.run(s.quit)
		}(ch)
	}
	debug.Info("Scheduler ready with %d channel(s)", len(s.channels))
	return s, nil
}

// Close stops the channel workers and waits for queued trigger handling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.epoch++
	if s.stepCancel != nil {
		s.stepCancel()
	}
	s.pending.Clear()
	s.mu.Unlock()

	s.stepMu.Lock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	s.stepMu.Unlock()
	s.wg.Wait()
}

// fireLocked applies a transition. s.mu must be held.
func (s *Scheduler) fireLocked(in Input, reason string) error {
	to, err := Next(s.state, in)
	if err != nil {
		return err
	}
	if to != s.state {
		from := s.state
		s.state = to
		debug.Info("State %s -> %s (%s)", from, to, in)
		s.hub.Publish(events.StateChanged, events.StateChangeEvent{
			From: from.String(), To: to.String(), Reason: reason, Ts: time.Now().UnixMilli(),
		})
	}
	return nil
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FaultReason returns why the scheduler faulted, empty otherwise.
func (s *Scheduler) FaultReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faultReason
}

// Status returns a snapshot for reporting.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:       s.state.String(),
		FaultReason: s.faultReason,
		Paused:      s.paused,
		Complete:    s.complete,
		NextStep:    s.next,
		Loop:        s.loop,
		Busy:        s.busy,
	}
	if s.seq != nil {
		st.Steps = len(s.seq.Steps)
	}
	return st
}

// Channels returns a snapshot of every channel, ordered by index.
func (s *Scheduler) Channels() []ChannelInfo {
	out := make([]ChannelInfo, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.info())
	}
	return out
}

// Adapters returns the channel motors keyed by index.
func (s *Scheduler) Adapters() map[int]motor.Adapter {
	out := make(map[int]motor.Adapter, len(s.channels))
	for _, ch := range s.channels {
		out[ch.Index] = ch.adapter
	}
	return out
}

// Sequence returns a copy of the loaded sequence, nil when none.
func (s *Scheduler) Sequence() *Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == nil {
		return nil
	}
	return s.seq.clone()
}

// LoadSequence copies seq and arms the scheduler. It is rejected while a
// step is running; pause first.
func (s *Scheduler) LoadSequence(seq Sequence) error {
	if err := seq.validate(func(ch int) bool { _, ok := s.byIndex[ch]; return ok }); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Faulted {
		return errors.Wrap(ErrFaulted, "load sequence")
	}
	if err := s.fireLocked(InputLoad, "sequence loaded"); err != nil {
		return err
	}
	s.seq = seq.clone()
	s.next, s.loop = 0, 0
	s.paused, s.complete = false, false
	s.epoch++
	s.pending.Clear()
	debug.Info("Sequence loaded: %d step(s), repeat=%v", len(seq.Steps), seq.Repeat)
	return nil
}

// acceptsLocked reports whether a trigger would advance the sequence.
func (s *Scheduler) acceptsLocked() bool {
	if s.closed {
		return false
	}
	switch s.state {
	case Armed, Running, Waiting:
	default:
		return false
	}
	return s.seq != nil && !s.paused && !s.complete
}

// Trigger advances the sequence by one step. It never blocks: while a step
// is executing one trigger is kept, and a further one replaces it.
func (s *Scheduler) Trigger(e trigger.Event) {
	s.mu.Lock()
	if !s.acceptsLocked() {
		reason := "state " + s.state.String()
		if s.paused {
			reason = "paused"
		} else if s.complete {
			reason = "sequence complete"
		}
		s.mu.Unlock()
		debug.Verbose("Trigger %s ignored (%s)", e.ID, reason)
		s.hub.Publish(events.TriggerIgnored, events.TriggerEvent{TriggerID: e.ID.String(), Reason: reason, Ts: time.Now().UnixMilli()})
		return
	}
	if s.busy {
		replaced := s.pending.Put(e)
		s.mu.Unlock()
		if replaced != nil {
			debug.Warn("%v: trigger %s replaced by %s", ErrTriggerOverrun, replaced.ID, e.ID)
			s.hub.Publish(events.TriggerOverrun, events.TriggerEvent{
				TriggerID: e.ID.String(), Dropped: replaced.ID.String(), Reason: ErrTriggerOverrun.Error(), Ts: time.Now().UnixMilli(),
			})
		}
		return
	}
	s.busy = true
	s.wg.Add(1)
	s.mu.Unlock()
	go s.drain(e)
}

func (s *Scheduler) drain(e trigger.Event) {
	defer s.wg.Done()
	for {
		s.runStep(e)

		s.mu.Lock()
		next, ok := s.pending.Take()
		if !ok || !s.acceptsLocked() {
			s.busy = false
			s.pending.Clear()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		e = next
	}
}

// runStep claims the next step under the lock, then executes it.
func (s *Scheduler) runStep(e trigger.Event) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	s.mu.Lock()
	if !s.acceptsLocked() {
		s.mu.Unlock()
		return
	}
	idx := s.next
	if e.Hint != nil {
		if h := *e.Hint; h >= 0 && h < len(s.seq.Steps) {
			idx = h
		} else {
			debug.Warn("Trigger %s: hint %d out of range [0,%d), ignored", e.ID, h, len(s.seq.Steps))
			s.hub.Publish(events.TriggerIgnored, events.TriggerEvent{
				TriggerID: e.ID.String(), Reason: fmt.Sprintf("hint %d out of range", h), Ts: time.Now().UnixMilli(),
			})
		}
	}

	end := idx >= len(s.seq.Steps)
	var step Step
	if !end {
		step = s.seq.Steps[idx]
		s.next = idx + 1
		if s.next >= len(s.seq.Steps) && s.seq.Repeat {
			s.next = 0
			s.loop++
		}
	}
	loop := s.loop
	if !end && !step.IsWait() {
		if err := s.fireLocked(InputStepOpen, "trigger"); err != nil {
			s.mu.Unlock()
			debug.Error(err)
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stepCancel = cancel
	epoch := s.epoch
	s.mu.Unlock()
	defer cancel()

	if end {
		debug.Live("Sequence exhausted, closing all")
		if err := s.closeAll(ctx); err != nil {
			s.stepFailed(ctx, err)
			return
		}
		s.mu.Lock()
		if s.epoch == epoch {
			s.complete = true
			_ = s.fireLocked(InputStepWait, "sequence complete")
		}
		s.mu.Unlock()
		return
	}

	name := "none"
	if !step.IsWait() {
		name = s.byIndex[*step.Channel].Name
	}
	debug.Step(idx, debug.Fmt("open %s, hold %v", name, step.Hold))
	s.hub.Publish(events.StepStarted, events.StepEvent{
		Index: idx, Loop: loop, Open: name, TriggerID: e.ID.String(), Ts: time.Now().UnixMilli(),
	})

	var err error
	if step.IsWait() {
		err = s.closeAll(ctx)
	} else {
		err = s.switchTo(ctx, s.byIndex[*step.Channel])
	}
	if err != nil {
		s.stepFailed(ctx, err)
		return
	}

	latency := time.Since(e.At)
	if step.IsWait() {
		s.mu.Lock()
		if s.epoch == epoch {
			_ = s.fireLocked(InputStepWait, "waiting step")
		}
		s.mu.Unlock()
	}
	s.hub.Publish(events.StepDone, events.StepEvent{
		Index: idx, Loop: loop, Open: name, TriggerID: e.ID.String(), LatencyUs: latency.Microseconds(), Ts: time.Now().UnixMilli(),
	})

	if step.Hold > 0 {
		t := time.NewTimer(step.Hold)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
}

// stepFailed preempts on motion failures. Cancellation is not a failure.
func (s *Scheduler) stepFailed(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	debug.Errorf("step failed: %v", err)
	s.Preempt(err.Error())
}

// switchTo closes every other channel, waits the dark interval and opens
// target. With overlap allowed the close and the open run together.
func (s *Scheduler) switchTo(ctx context.Context, target *ShutterChannel) error {
	var others []*ShutterChannel
	for _, ch := range s.channels {
		if ch != target && ch.current() != Closed {
			others = append(others, ch)
		}
	}

	if s.opts.AllowOverlap {
		return s.parallel(ctx, append(others, target), func(ch *ShutterChannel) ShutterState {
			if ch == target {
				return Opened
			}
			return Closed
		})
	}

	if len(others) > 0 {
		if err := s.parallel(ctx, others, func(*ShutterChannel) ShutterState { return Closed }); err != nil {
			return err
		}
		if s.opts.DarkInterval > 0 {
			t := time.NewTimer(s.opts.DarkInterval)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}
	return s.move(ctx, target, Opened)
}

// closeAll closes every channel not confirmed closed.
func (s *Scheduler) closeAll(ctx context.Context) error {
	var open []*ShutterChannel
	for _, ch := range s.channels {
		if ch.current() != Closed {
			open = append(open, ch)
		}
	}
	return s.parallel(ctx, open, func(*ShutterChannel) ShutterState { return Closed })
}

func (s *Scheduler) move(ctx context.Context, ch *ShutterChannel, st ShutterState) error {
	mctx, cancel := context.WithTimeout(ctx, s.opts.MoveTimeout)
	defer cancel()
	err := ch.command(mctx, st)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(motor.ErrStall, "channel %d: no confirmation within %v", ch.Index, s.opts.MoveTimeout)
	}
	if err == nil {
		s.hub.Publish(events.ShutterMoved, events.ShutterEvent{
			Channel: ch.Index, Name: ch.Name, Open: st == Opened, Ts: time.Now().UnixMilli(),
		})
	}
	return err
}

// parallel commands every channel at once and returns the first error.
func (s *Scheduler) parallel(ctx context.Context, chs []*ShutterChannel, want func(*ShutterChannel) ShutterState) error {
	if len(chs) == 1 {
		return s.move(ctx, chs[0], want(chs[0]))
	}
	errs := make([]error, len(chs))
	var wg sync.WaitGroup
	for i, ch := range chs {
		wg.Add(1)
		go func(i int, ch *ShutterChannel) {
			defer wg.Done()
			errs[i] = s.move(ctx, ch, want(ch))
		}(i, ch)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// interrupt cancels the in-flight step and drops the queued trigger, then
// waits for the step to return. The caller owns stepMu on return.
func (s *Scheduler) interrupt() {
	s.mu.Lock()
	s.epoch++
	if s.stepCancel != nil {
		s.stepCancel()
	}
	s.pending.Clear()
	s.mu.Unlock()
	s.stepMu.Lock()
}

// Pause cancels the current step, closes every shutter and holds in
// Waiting. Triggers are ignored until Resume.
func (s *Scheduler) Pause(ctx context.Context) error {
	s.mu.Lock()
	if _, err := Next(s.state, InputPause); err != nil {
		s.mu.Unlock()
		if s.state == Faulted {
			return errors.Wrap(ErrFaulted, "pause")
		}
		return err
	}
	s.paused = true
	s.mu.Unlock()

	s.interrupt()
	defer s.stepMu.Unlock()

	if err := s.closeAll(ctx); err != nil {
		s.failClose(ctx, err)
		return errors.Wrap(err, "pause")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Faulted {
		return errors.Wrap(ErrFaulted, "pause")
	}
	return s.fireLocked(InputPause, "paused")
}

// Resume lets triggers advance the sequence again after Pause.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Faulted {
		return errors.Wrap(ErrFaulted, "resume")
	}
	if s.paused {
		s.paused = false
		debug.Info("Resumed at step %d", s.next)
	}
	return nil
}

// Reset cancels the current step, closes every shutter, discards the
// sequence and returns to Idle.
func (s *Scheduler) Reset(ctx context.Context) error {
	s.mu.Lock()
	if _, err := Next(s.state, InputReset); err != nil {
		s.mu.Unlock()
		if s.state == Faulted {
			return errors.Wrap(ErrFaulted, "reset")
		}
		return err
	}
	s.mu.Unlock()

	s.interrupt()
	defer s.stepMu.Unlock()

	if err := s.closeAll(ctx); err != nil {
		s.failClose(ctx, err)
		return errors.Wrap(err, "reset")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Faulted {
		return errors.Wrap(ErrFaulted, "reset")
	}
	s.seq = nil
	s.next, s.loop = 0, 0
	s.paused, s.complete = false, false
	return s.fireLocked(InputReset, "reset")
}

func (s *Scheduler) failClose(ctx context.Context, err error) {
	if ctx.Err() != nil {
		// caller gave up; position unknown, so treat as a fault
		s.Preempt("close not confirmed: " + ctx.Err().Error())
		return
	}
	s.Preempt("close not confirmed: " + err.Error())
}

// Preempt stops every motor and commands every shutter closed, then enters
// Faulted. It does not wait for the in-flight step and is safe to call from
// any goroutine.
func (s *Scheduler) Preempt(reason string) {
	s.mu.Lock()
	first := s.state != Faulted
	_ = s.fireLocked(InputFault, reason)
	if first {
		s.faultReason = reason
	}
	s.epoch++
	if s.stepCancel != nil {
		s.stepCancel()
	}
	s.pending.Clear()
	s.mu.Unlock()

	if first {
		debug.Errorf("PREEMPT: %s", reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PreemptTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, ch := range s.channels {
		wg.Add(1)
		go func(ch *ShutterChannel) {
			defer wg.Done()
			s.emergencyClose(ctx, ch)
		}(ch)
	}
	wg.Wait()
}

func (s *Scheduler) emergencyClose(ctx context.Context, ch *ShutterChannel) {
	log := debug.WithChannel(ch.Index)
	_, closed := ch.positions()

	ch.issue.Lock()
	if err := ch.adapter.Stop(); err != nil {
		log.WithError(err).Warn("stop failed")
	}
	mv, err := ch.adapter.MoveTo(closed, ch.profile)
	ch.issue.Unlock()
	if err != nil {
		log.WithError(err).Error("emergency close not issued")
		ch.set(Moving, true)
		return
	}
	if err := mv.Wait(ctx); err != nil {
		log.WithError(err).Error("emergency close not completed")
		ch.set(Moving, true)
		return
	}
	pos, err := ch.adapter.ReadPosition()
	if err != nil || !pos.Within(closed, s.opts.Tolerance) {
		log.Errorf("emergency close not confirmed (at %d)", pos)
		ch.set(Moving, true)
		return
	}
	ch.set(Closed, ch.adapter.ReadFault() != motor.FaultNone)
}

// ResetAfterFault leaves Faulted once the new calibration records validate:
// every channel has a record, reports no fault and reads back closed.
func (s *Scheduler) ResetAfterFault(ctx context.Context, records calibration.Records) error {
	s.mu.Lock()
	if s.state != Faulted {
		st := s.state
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "reset after fault in state %s", st)
	}
	s.mu.Unlock()

	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	for _, ch := range s.channels {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := records[ch.Index]
		if !ok {
			return errors.Wrapf(ErrUnresolvedChannel, "channel %d has no calibration record", ch.Index)
		}
		if f := ch.adapter.ReadFault(); f != motor.FaultNone {
			return errors.Wrapf(f.Err(), "channel %d still reports %s", ch.Index, f)
		}
		pos, err := ch.adapter.ReadPosition()
		if err != nil {
			return errors.Wrapf(err, "channel %d: read back", ch.Index)
		}
		if !pos.Within(rec.Closed(), s.opts.Tolerance) {
			return errors.Wrapf(ErrNotConfirmed, "channel %d at %d, closed is %d", ch.Index, pos, rec.Closed())
		}
	}

	for _, ch := range s.channels {
		ch.apply(records[ch.Index])
		ch.set(Closed, false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fireLocked(InputRecover, "recalibrated"); err != nil {
		return err
	}
	s.faultReason = ""
	s.seq = nil
	s.next, s.loop = 0, 0
	s.paused, s.complete = false, false
	return nil
}

// SetShutter manually opens or closes one shutter. Opening is allowed in
// Idle and Armed only, and closes every other shutter first unless overlap
// is allowed; closing is allowed whenever the scheduler is not running.
func (s *Scheduler) SetShutter(ctx context.Context, index int, open bool) error {
	ch, ok := s.byIndex[index]
	if !ok {
		return errors.Wrapf(ErrUnresolvedChannel, "channel %d", index)
	}

	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	s.mu.Lock()
	st, busy := s.state, s.busy
	s.mu.Unlock()
	switch {
	case st == Faulted:
		return errors.Wrap(ErrFaulted, "set shutter")
	case st == Running || busy:
		return errors.Wrapf(ErrInvalidTransition, "manual shutter control while %s", st)
	case open && st == Waiting:
		return errors.Wrap(ErrInvalidTransition, "manual open while waiting")
	}

	var err error
	if open {
		err = s.switchTo(ctx, ch)
	} else {
		err = s.move(ctx, ch, Closed)
	}
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		s.Preempt(err.Error())
	}
	return err
}
