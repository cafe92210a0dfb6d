// Package sched schedules typed sub-agents within one worker.
//
// Read-only agents (explore, review) may run in parallel; write-capable
// agents (editor) run in strict mutual exclusion with every other agent in
// the same worktree. A pending writer blocks readers that arrive after it,
// so a stream of readers cannot starve a writer.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agusx1211/arbor/internal/debug"
	"github.com/agusx1211/arbor/pkg/protocol"
)

// ErrDrained is returned for submissions after Drain has been called.
// It is returned to the caller and is not fatal.
var ErrDrained = errors.New("sched: scheduler drained")

// State is a sub-agent's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateAdmitted  State = "admitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Spec describes a sub-agent submission.
type Spec struct {
	AgentID string
	Type    protocol.AgentType
	Message string
	// Deadline, when positive, cancels the agent automatically on expiry.
	Deadline time.Duration
}

// Fn is a sub-agent body. It must call permit.Checkpoint at its suspension
// points (command execution, channel traffic) so cancellation is observed.
type Fn func(ctx context.Context, permit *Permit) (output string, err error)

// Options tunes a Scheduler.
type Options struct {
	// MaxConcurrentReaders caps parallel read-only agents. 0 = unlimited.
	MaxConcurrentReaders int
	// WriterDeadline, when positive, emits a warning (never preemption)
	// for a writer that holds exclusion past the deadline.
	WriterDeadline time.Duration
	// OnWriterDeadline is invoked once per over-deadline writer.
	OnWriterDeadline func(agentID string, held time.Duration)
}

// Scheduler enforces the read-parallel / write-serial policy.
type Scheduler struct {
	opts Options

	mu           sync.Mutex
	cond         *sync.Cond
	readers      int
	writerActive bool
	draining     bool
	nextSeq      uint64
	pending      []*waiter          // arrival order
	handles      map[string]*Handle // by agent ID, live and terminal
	wg           sync.WaitGroup
}

type waiter struct {
	handle   *Handle
	readOnly bool
	seq      uint64
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		opts:    opts,
		handles: make(map[string]*Handle),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Submit enqueues a sub-agent and returns its handle. Pending agents are
// admitted in arrival order within the admission rules; the enqueue
// sequence number breaks arrival ties. Returns ErrDrained once Drain has
// begun.
func (s *Scheduler) Submit(ctx context.Context, spec Spec, fn Fn) (*Handle, error) {
	if !spec.Type.Valid() {
		return nil, fmt.Errorf("sched: unknown agent type %q", spec.Type)
	}
	if spec.AgentID == "" {
		return nil, fmt.Errorf("sched: agent ID is required")
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, ErrDrained
	}
	if _, exists := s.handles[spec.AgentID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("sched: agent %q already submitted", spec.AgentID)
	}
	s.nextSeq++
	h := &Handle{
		Spec:  spec,
		seq:   s.nextSeq,
		done:  make(chan struct{}),
		state: StatePending,
	}
	w := &waiter{handle: h, readOnly: spec.Type.ReadOnly(), seq: h.seq}
	s.pending = append(s.pending, w)
	s.handles[spec.AgentID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	debug.LogKV("sched", "submitted", "agent_id", spec.AgentID, "type", spec.Type, "seq", h.seq)

	if spec.Deadline > 0 {
		h.mu.Lock()
		h.timer = time.AfterFunc(spec.Deadline, func() {
			debug.LogKV("sched", "deadline expired", "agent_id", spec.AgentID)
			s.Cancel(spec.AgentID)
		})
		h.mu.Unlock()
	}

	go s.run(ctx, w, fn)
	return h, nil
}

// run blocks until w is admitted, executes fn, then releases the slot.
func (s *Scheduler) run(ctx context.Context, w *waiter, fn Fn) {
	defer s.wg.Done()
	h := w.handle

	s.mu.Lock()
	for {
		if h.State() == StateCancelled {
			s.removeLocked(w)
			s.mu.Unlock()
			h.finish()
			s.cond.Broadcast()
			return
		}
		if s.draining {
			s.removeLocked(w)
			s.mu.Unlock()
			h.setTerminal(StateCancelled, "", ErrDrained)
			s.cond.Broadcast()
			return
		}
		if ctx.Err() != nil {
			s.removeLocked(w)
			s.mu.Unlock()
			h.setTerminal(StateCancelled, "", ctx.Err())
			s.cond.Broadcast()
			return
		}
		if s.admissibleLocked(w) {
			break
		}
		s.cond.Wait()
	}

	// Admit.
	s.removeLocked(w)
	if w.readOnly {
		s.readers++
	} else {
		s.writerActive = true
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.mu.Lock()
	if h.state == StateCancelled {
		// Cancelled in the admission window; give the slot straight back.
		h.mu.Unlock()
		s.release(w)
		h.finish()
		return
	}
	h.state = StateAdmitted
	h.cancelRun = cancel
	h.state = StateRunning
	h.mu.Unlock()

	debug.LogKV("sched", "admitted", "agent_id", h.Spec.AgentID, "type", h.Spec.Type, "read_only", w.readOnly)

	var watchdog *time.Timer
	if !w.readOnly && s.opts.WriterDeadline > 0 {
		started := time.Now()
		agentID := h.Spec.AgentID
		watchdog = time.AfterFunc(s.opts.WriterDeadline, func() {
			held := time.Since(started)
			debug.LogKV("sched", "writer deadline exceeded", "agent_id", agentID, "held", held)
			if s.opts.OnWriterDeadline != nil {
				s.opts.OnWriterDeadline(agentID, held)
			}
		})
	}

	output, err := fn(runCtx, &Permit{ctx: runCtx, agentID: h.Spec.AgentID})

	if watchdog != nil {
		watchdog.Stop()
	}
	s.release(w)

	switch {
	case err == nil:
		h.setTerminal(StateCompleted, output, nil)
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled):
		h.setTerminal(StateCancelled, output, err)
	default:
		// Per-agent failures are local; partial writes are not rolled back.
		h.setTerminal(StateFailed, output, err)
	}
}

// admissibleLocked applies the write-lock discipline. Callers hold s.mu.
//
//   - a reader admits when no writer is active and no writer is queued
//     ahead of it (writer preference)
//   - a writer admits when no writer is active, no readers run, and it is
//     the oldest queued writer
func (s *Scheduler) admissibleLocked(w *waiter) bool {
	if s.writerActive {
		return false
	}
	for _, p := range s.pending {
		if !p.readOnly && p.seq < w.seq {
			return false
		}
	}
	if w.readOnly {
		if s.opts.MaxConcurrentReaders > 0 && s.readers >= s.opts.MaxConcurrentReaders {
			return false
		}
		return true
	}
	return s.readers == 0
}

func (s *Scheduler) removeLocked(w *waiter) {
	for i, p := range s.pending {
		if p == w {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// release returns w's slot and wakes waiters.
func (s *Scheduler) release(w *waiter) {
	s.mu.Lock()
	if w.readOnly {
		s.readers--
	} else {
		s.writerActive = false
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Cancel moves a pending agent to cancelled synchronously; a running agent
// receives a cooperative signal and transitions at its next checkpoint.
// Idempotent: cancelling a terminal or unknown agent is a no-op.
func (s *Scheduler) Cancel(agentID string) {
	s.mu.Lock()
	h := s.handles[agentID]
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	s.cond.Broadcast()
}

// CancelAll signals every non-terminal agent.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	all := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		all = append(all, h)
	}
	s.mu.Unlock()

	for _, h := range all {
		h.cancel()
	}
	s.cond.Broadcast()
}

// Drain refuses new admissions and waits for all agents to terminate.
// Queued agents that were never admitted finish cancelled. Idempotent.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Draining reports whether Drain has begun.
func (s *Scheduler) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Handle looks up a submitted agent by ID, or nil.
func (s *Scheduler) Handle(agentID string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[agentID]
}

// Counts returns the current (readers, writerActive) occupancy. Test probe.
func (s *Scheduler) Counts() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers, s.writerActive
}
