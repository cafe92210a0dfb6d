// Package agent provides the execution substrate for sub-agents: recorded
// command execution, the capability handle back to the worker, and the
// per-type behavior registry.
package agent

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/agusx1211/arbor/internal/debug"
	"github.com/agusx1211/arbor/internal/recorder"
	"github.com/agusx1211/arbor/internal/sched"
)

// Command describes one recorded command execution.
type Command struct {
	Name string
	Argv []string
	// Interactive runs the command under a pty. Some tools refuse to
	// stream output without a controlling terminal.
	Interactive bool
	// Stdin is piped to the process when non-empty.
	Stdin string
}

// Executor runs commands inside the worktree, captures bounded output
// tails, and appends every execution to the worker's recorder.
type Executor struct {
	workDir     string
	rec         *recorder.Recorder
	stdoutLimit int
	stderrLimit int
}

// NewExecutor creates an Executor rooted at workDir.
func NewExecutor(workDir string, rec *recorder.Recorder, stdoutLimit, stderrLimit int) *Executor {
	return &Executor{
		workDir:     workDir,
		rec:         rec,
		stdoutLimit: stdoutLimit,
		stderrLimit: stderrLimit,
	}
}

// WorkDir returns the executor's working directory (the worktree path).
func (e *Executor) WorkDir() string {
	return e.workDir
}

// Run executes cmd, records it, and returns the record. Command execution
// is a suspension point: cancellation is observed before launch and the
// process is killed when the run context ends mid-flight.
func (e *Executor) Run(ctx context.Context, permit *sched.Permit, cmd Command) (recorder.Record, error) {
	if err := permit.Checkpoint(); err != nil {
		return recorder.Record{}, err
	}

	start := time.Now()
	var stdout, stderr *recorder.TailWriter
	var exitCode int
	var runErr error

	if cmd.Interactive {
		stdout, exitCode, runErr = e.runPTY(ctx, cmd)
		stderr = recorder.NewTailWriter(0) // pty merges streams
	} else {
		stdout = recorder.NewTailWriter(e.stdoutLimit)
		stderr = recorder.NewTailWriter(e.stderrLimit)
		exitCode, runErr = e.runPiped(ctx, cmd, stdout, stderr)
	}

	rec := recorder.Record{
		Cmd:        cmd.Name,
		Argv:       append([]string{cmd.Name}, cmd.Argv...),
		ExitCode:   exitCode,
		StdoutTail: stdout.String(),
		StderrTail: stderr.String(),
		Duration:   time.Since(start),
		AgentID:    permit.AgentID(),
	}
	e.rec.Append(rec)

	debug.LogKV("agent", "command recorded", "agent_id", permit.AgentID(),
		"cmd", cmd.Name, "exit", exitCode, "duration", rec.Duration)

	if err := permit.Checkpoint(); err != nil {
		return rec, err
	}
	return rec, runErr
}

func (e *Executor) runPiped(ctx context.Context, cmd Command, stdout, stderr *recorder.TailWriter) (int, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Argv...)
	c.Dir = e.workDir
	c.Stdout = stdout
	c.Stderr = stderr
	if cmd.Stdin != "" {
		c.Stdin = newStringReader(cmd.Stdin)
	}

	err := c.Run()
	return exitCodeOf(err), runError(err)
}

// runPTY executes the command under a pseudo-terminal, capturing the merged
// output stream. The process group is killed on context cancellation so
// terminal children cannot outlive the agent.
func (e *Executor) runPTY(ctx context.Context, cmd Command) (*recorder.TailWriter, int, error) {
	c := exec.Command(cmd.Name, cmd.Argv...)
	c.Dir = e.workDir
	attrs := &syscall.SysProcAttr{Setpgid: true}
	c.SysProcAttr = attrs

	ptmx, err := pty.StartWithAttrs(c, &pty.Winsize{Rows: 24, Cols: 80}, attrs)
	if err != nil {
		return recorder.NewTailWriter(0), -1, err
	}

	tail := recorder.NewTailWriter(e.stdoutLimit)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				tail.Write(buf[:n])
			}
			if readErr != nil {
				return
			}
		}
	}()

	if cmd.Stdin != "" {
		ptmx.Write([]byte(cmd.Stdin))
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- c.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		if c.Process != nil && c.Process.Pid > 0 {
			syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
		}
		waitErr = <-waitDone
		if waitErr == nil {
			waitErr = ctx.Err()
		}
	}

	ptmx.Close()
	<-readDone
	return tail, exitCodeOf(waitErr), runError(waitErr)
}

// exitCodeOf maps a Wait error to the process exit code. -1 marks launch
// failures and signal deaths.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// runError suppresses plain non-zero exits: they are data in the record,
// not execution failures.
func runError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func newStringReader(s string) *os.File {
	r, w, err := os.Pipe()
	if err != nil {
		return nil
	}
	go func() {
		w.WriteString(s)
		w.Close()
	}()
	return r
}
