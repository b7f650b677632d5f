package motor

import (
	"context"
	"sync"
)

// Move is the pending result of a MoveTo call. It turns the controller's
// asynchronous completion into something callers can wait on or cancel.
type Move struct {
	Target Position

	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	cancel func()
}

// NewMove returns a pending move. cancel is invoked by Cancel while the move
// is still pending and must stop the motor only if this move is active.
func NewMove(target Position, cancel func()) *Move {
	return &Move{
		Target: target,
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Completed returns a move that is already finished successfully.
func Completed(target Position) *Move {
	m := NewMove(target, nil)
	m.Finish(nil)
	return m
}

// Finish completes the move. Only the first call has an effect.
func (m *Move) Finish(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
	})
}

// Done is closed once the move has completed.
func (m *Move) Done() <-chan struct{} {
	return m.done
}

// Err returns the completion error, nil while pending.
func (m *Move) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Wait blocks until the move completes or ctx ends. A context end does not
// stop the motor; call Cancel for that.
func (m *Move) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the motor if this move is still in progress.
func (m *Move) Cancel() {
	select {
	case <-m.done:
		return
	default:
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.Finish(ErrStopped)
}
