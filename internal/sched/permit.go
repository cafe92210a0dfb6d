package sched

import "context"

// Permit is handed to a running sub-agent body. It carries the agent's run
// context and the cancellation checkpoints the cooperative model requires.
type Permit struct {
	ctx     context.Context
	agentID string
}

// AgentID returns the owning agent's ID.
func (p *Permit) AgentID() string {
	return p.agentID
}

// Context returns the agent's run context for use with blocking operations.
func (p *Permit) Context() context.Context {
	return p.ctx
}

// Checkpoint returns ErrCancelled once cancellation has been requested.
// Bodies call it at every suspension point: before command execution,
// around channel traffic, and inside long loops.
func (p *Permit) Checkpoint() error {
	select {
	case <-p.ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}
