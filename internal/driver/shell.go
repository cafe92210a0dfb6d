// Package driver holds the built-in worker drivers. A driver is the
// worker's top-level reasoning: the model-backed planner lives outside this
// repository, and these built-ins cover direct execution and testing.
package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/agusx1211/arbor/internal/sched"
	"github.com/agusx1211/arbor/internal/worker"
	"github.com/agusx1211/arbor/pkg/protocol"
)

// Shell executes the task string as a single write-capable sub-agent
// running a shell command in the worktree. The simplest useful driver: one
// task, one editor, one diff.
type Shell struct{}

// Run implements worker.Driver.
func (Shell) Run(ctx context.Context, tk *worker.Toolkit, task string) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("driver: empty task")
	}

	handle, err := tk.SpawnAgent(ctx, protocol.AgentEditor, task)
	if err != nil {
		return "", err
	}

	state, output, err := handle.Wait(ctx)
	switch state {
	case sched.StateCompleted:
		summary := strings.TrimSpace(output)
		if summary == "" {
			summary = "task completed"
		}
		return summary, nil
	case sched.StateCancelled:
		return "", ctx.Err()
	default:
		return "", fmt.Errorf("driver: editor agent %s: %w", state, err)
	}
}
