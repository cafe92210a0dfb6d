package agent

import (
	"context"

	"github.com/agusx1211/arbor/internal/sched"
	"github.com/agusx1211/arbor/pkg/protocol"
)

// Caps is the capability handle a sub-agent receives instead of a reference
// to its worker. It carries exactly the powers a sub-agent may use:
// recorded execution, user-input round-trips, and spawning children.
// Keeping these as function values avoids an ownership cycle between the
// worker runtime and its agents.
type Caps struct {
	// Exec runs a recorded command in the worktree.
	Exec func(ctx context.Context, permit *sched.Permit, cmd Command) (ExecResult, error)
	// RequestUserInput asks the supervisor's front end and blocks for the
	// correlated answer.
	RequestUserInput func(ctx context.Context, prompt string, constraints []string) (string, error)
	// Spawn submits a child sub-agent to the same scheduler.
	Spawn func(ctx context.Context, typ protocol.AgentType, message string) (*sched.Handle, error)
	// WorktreePath is the worktree this agent is scoped to.
	WorktreePath string
}

// ExecResult is the caller-facing view of one command execution.
type ExecResult struct {
	ExitCode   int
	StdoutTail string
	StderrTail string
}

// Behavior is the body of one sub-agent type. The worker dispatches on the
// request's agent_type tag; the behavior drives commands through caps under
// the permit's cancellation discipline.
type Behavior func(ctx context.Context, permit *sched.Permit, caps *Caps, req protocol.SpawnAgent) (string, error)

// Registry maps the closed set of agent types to behaviors.
// Adding an agent kind means extending the protocol variant, the admission
// rule, and registering a behavior here.
type Registry struct {
	behaviors map[protocol.AgentType]Behavior
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{behaviors: make(map[protocol.AgentType]Behavior)}
}

// Register binds a behavior to an agent type, replacing any previous one.
func (r *Registry) Register(typ protocol.AgentType, b Behavior) {
	r.behaviors[typ] = b
}

// Lookup returns the behavior for typ, or false for unknown/unregistered
// types.
func (r *Registry) Lookup(typ protocol.AgentType) (Behavior, bool) {
	b, ok := r.behaviors[typ]
	return b, ok
}
