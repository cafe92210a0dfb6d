package agent

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agusx1211/arbor/internal/sched"
	"github.com/agusx1211/arbor/pkg/protocol"
)

// defaultShell resolves the shell used by the built-in behaviors.
func defaultShell() string {
	if sh := strings.TrimSpace(os.Getenv("SHELL")); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// RegisterShellBehaviors installs the built-in behaviors: each agent type
// runs its task message as a shell command inside the worktree. Explore and
// review agents are read-only by the scheduler's admission rule; the editor
// runs under write exclusion. The model-driven reasoning that decides what
// to run lives outside this core.
func RegisterShellBehaviors(r *Registry) {
	r.Register(protocol.AgentExplore, shellBehavior)
	r.Register(protocol.AgentReview, shellBehavior)
	r.Register(protocol.AgentEditor, shellBehavior)
}

func shellBehavior(ctx context.Context, permit *sched.Permit, caps *Caps, req protocol.SpawnAgent) (string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", fmt.Errorf("agent %s: empty task message", req.AgentID)
	}

	res, err := caps.Exec(ctx, permit, Command{
		Name: defaultShell(),
		Argv: []string{"-c", req.Message},
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.StdoutTail, fmt.Errorf("agent %s: command exited %d: %s",
			req.AgentID, res.ExitCode, strings.TrimSpace(res.StderrTail))
	}
	return res.StdoutTail, nil
}
