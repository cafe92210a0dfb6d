package worker

import (
	"context"
	"fmt"

	"github.com/agusx1211/arbor/internal/agent"
	"github.com/agusx1211/arbor/internal/hexid"
	"github.com/agusx1211/arbor/internal/sched"
	"github.com/agusx1211/arbor/pkg/protocol"
)

// Toolkit is the driver-facing surface of a running worker: spawn typed
// sub-agents, run recorded commands, ask the user, leave progress notes.
type Toolkit struct {
	rt *runtime
}

func (rt *runtime) toolkit() *Toolkit {
	return &Toolkit{rt: rt}
}

// WorktreePath returns the worktree this worker is bound to.
func (tk *Toolkit) WorktreePath() string {
	return tk.rt.wt.Path
}

// SpawnAgent submits a typed sub-agent with the given task message and
// returns its handle. The agent runs the behavior registered for its type
// under the scheduler's admission rules.
func (tk *Toolkit) SpawnAgent(ctx context.Context, typ protocol.AgentType, message string) (*sched.Handle, error) {
	return tk.rt.spawn(ctx, typ, message)
}

// Exec runs a recorded command directly at the worker level, outside any
// sub-agent. It takes a read slot like an explorer so it cannot interleave
// with an editor's writes.
func (tk *Toolkit) Exec(ctx context.Context, cmd agent.Command) (agent.ExecResult, error) {
	var res agent.ExecResult
	h, err := tk.rt.sched.Submit(ctx, sched.Spec{
		AgentID: "worker-exec-" + hexid.New(),
		Type:    protocol.AgentExplore,
	}, func(ctx context.Context, permit *sched.Permit) (string, error) {
		rec, err := tk.rt.exec.Run(ctx, permit, cmd)
		if err != nil {
			return "", err
		}
		res = agent.ExecResult{
			ExitCode:   rec.ExitCode,
			StdoutTail: rec.StdoutTail,
			StderrTail: rec.StderrTail,
		}
		tk.rt.sendProgress("")
		return rec.StdoutTail, nil
	})
	if err != nil {
		return agent.ExecResult{}, err
	}

	state, _, runErr := h.Wait(ctx)
	if runErr != nil {
		return agent.ExecResult{}, runErr
	}
	if state != sched.StateCompleted {
		return agent.ExecResult{}, fmt.Errorf("worker: exec ended %s", state)
	}
	return res, nil
}

// RequestUserInput sends a prompt to the supervisor's front end and blocks
// for the correlated answer.
func (tk *Toolkit) RequestUserInput(ctx context.Context, prompt string, constraints []string) (string, error) {
	return tk.rt.requestUserInput(ctx, prompt, constraints)
}

// Note ships a progress note (plus any unsent command deltas).
func (tk *Toolkit) Note(note string) {
	tk.rt.sendProgress(note)
}

// spawn dispatches by agent-type tag and wires the capability handle.
func (rt *runtime) spawn(ctx context.Context, typ protocol.AgentType, message string) (*sched.Handle, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("worker: unknown agent type %q", typ)
	}
	behavior, ok := rt.reg.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("worker: no behavior registered for %q", typ)
	}

	req := protocol.SpawnAgent{
		AgentID:   rt.nextAgentID(typ),
		AgentType: typ,
		Message:   message,
	}

	caps := &agent.Caps{
		Exec: func(ctx context.Context, permit *sched.Permit, cmd agent.Command) (agent.ExecResult, error) {
			rec, err := rt.exec.Run(ctx, permit, cmd)
			rt.sendProgress("")
			if err != nil {
				return agent.ExecResult{}, err
			}
			return agent.ExecResult{
				ExitCode:   rec.ExitCode,
				StdoutTail: rec.StdoutTail,
				StderrTail: rec.StderrTail,
			}, nil
		},
		RequestUserInput: func(ctx context.Context, prompt string, constraints []string) (string, error) {
			return rt.requestUserInput(ctx, prompt, constraints)
		},
		Spawn: func(ctx context.Context, childType protocol.AgentType, childMessage string) (*sched.Handle, error) {
			return rt.spawn(ctx, childType, childMessage)
		},
		WorktreePath: rt.wt.Path,
	}

	handle, err := rt.sched.Submit(ctx, sched.Spec{
		AgentID: req.AgentID,
		Type:    typ,
		Message: message,
	}, func(ctx context.Context, permit *sched.Permit) (string, error) {
		return behavior(ctx, permit, caps, req)
	})
	if err != nil {
		return nil, err
	}

	// Ship the agent's terminal state as a progress note.
	go func() {
		<-handle.Done()
		state, _, _ := handle.Result()
		rt.sendProgress(fmt.Sprintf("agent %s %s", req.AgentID, state))
	}()

	return handle, nil
}

// requestUserInput performs one correlated round-trip over the shared
// channel. The send path is already serialized by the connection, so
// concurrent sub-agent requests cannot tear frames.
func (rt *runtime) requestUserInput(ctx context.Context, prompt string, constraints []string) (string, error) {
	requestID := hexid.NewLong()
	ch := make(chan string, 1)

	rt.mu.Lock()
	rt.userInput[requestID] = ch
	rt.mu.Unlock()

	defer func() {
		rt.mu.Lock()
		delete(rt.userInput, requestID)
		rt.mu.Unlock()
	}()

	if _, err := rt.conn.Send(protocol.TagRequestUserInput, protocol.RequestUserInput{
		RequestID:   requestID,
		Prompt:      prompt,
		Constraints: constraints,
	}); err != nil {
		return "", err
	}

	select {
	case answer, ok := <-ch:
		if !ok {
			return "", fmt.Errorf("worker: channel closed while waiting for user input")
		}
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
