package sched

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled is reported by a permit checkpoint once cancellation has been
// requested. Bodies that return it (or context.Canceled) terminate in the
// cancelled state rather than failed.
var ErrCancelled = errors.New("sched: agent cancelled")

// Handle tracks one submitted sub-agent through its lifecycle.
type Handle struct {
	Spec Spec

	seq      uint64
	done     chan struct{}
	doneOnce sync.Once

	mu        sync.Mutex
	state     State
	output    string
	err       error
	cancelRun context.CancelFunc
	timer     *time.Timer
}

// State returns the agent's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Result returns the terminal state, output, and error. Valid once Done is
// closed; before that it reports the live state with empty results.
func (h *Handle) Result() (State, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.output, h.err
}

// Done is closed when the agent reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the agent terminates or ctx expires.
func (h *Handle) Wait(ctx context.Context) (State, string, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return h.State(), "", ctx.Err()
	}
}

// cancel requests cancellation. Pending agents transition synchronously;
// running agents are signalled and transition at their next checkpoint.
// Idempotent on terminal and already-cancelled handles.
func (h *Handle) cancel() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	switch h.state {
	case StateCompleted, StateFailed, StateCancelled:
		h.mu.Unlock()
		return
	case StateRunning, StateAdmitted:
		cancelRun := h.cancelRun
		h.mu.Unlock()
		if cancelRun != nil {
			cancelRun()
		}
		return
	default: // pending
		h.state = StateCancelled
		h.err = ErrCancelled
		h.mu.Unlock()
	}
}

// setTerminal records the terminal state once and releases waiters.
func (h *Handle) setTerminal(state State, output string, err error) {
	h.mu.Lock()
	if !h.state.Terminal() {
		h.state = state
		h.output = output
		h.err = err
	}
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
	h.finish()
}

// finish closes the done channel exactly once.
func (h *Handle) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}
