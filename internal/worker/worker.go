// Package worker implements the L2 runtime: one process bound to one
// worktree, executing one top-level task by scheduling sub-agents and
// reporting a single structured result to the supervisor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/arbor/internal/agent"
	"github.com/agusx1211/arbor/internal/config"
	"github.com/agusx1211/arbor/internal/debug"
	"github.com/agusx1211/arbor/internal/ipc"
	"github.com/agusx1211/arbor/internal/recorder"
	"github.com/agusx1211/arbor/internal/sched"
	"github.com/agusx1211/arbor/internal/worktree"
	"github.com/agusx1211/arbor/pkg/protocol"
)

// Driver is the worker's top-level reasoning, out of scope for this core.
// It decides what to spawn, what to run, and when to finalize; the toolkit
// is its only surface into the runtime.
type Driver interface {
	Run(ctx context.Context, tk *Toolkit, task string) (summary string, err error)
}

// Options configures a worker run.
type Options struct {
	Cfg      *config.Config
	Registry *agent.Registry
	Driver   Driver
	// DrainTimeout bounds the finalize drain. 0 means wait indefinitely.
	DrainTimeout time.Duration
}

// Run drives one worker over conn: it waits for start_worker, executes the
// task, and emits exactly one worker_result. The returned value is the
// process exit code.
func Run(ctx context.Context, conn *ipc.Conn, opts Options) int {
	cfg := opts.Cfg
	if cfg == nil {
		cfg = config.Default()
	}

	frame, err := conn.Recv()
	if err != nil {
		debug.LogKV("worker", "recv before start failed", "error", err)
		if errors.Is(err, ipc.ErrProtocol) {
			return protocol.ExitProtocol
		}
		return protocol.ExitFailed
	}
	if frame.Tag != protocol.TagStartWorker {
		debug.LogKV("worker", "unexpected first frame", "tag", frame.Tag)
		return protocol.ExitProtocol
	}
	start, err := protocol.DecodePayload[protocol.StartWorker](frame)
	if err != nil {
		return protocol.ExitProtocol
	}

	mgr, wt, err := worktree.Attach(ctx, start.WorktreePath, start.BaselineRef)
	if err != nil {
		debug.LogKV("worker", "worktree attach failed", "error", err)
		emitResult(conn, protocol.WorkerResult{
			Summary: "worktree attach failed",
			Status:  protocol.StatusFailed,
			Error:   err.Error(),
		})
		return protocol.ExitFailed
	}

	rt := newRuntime(conn, cfg, mgr, wt, opts.Registry)
	defer rt.close()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Channel reader: routes user-input responses and observes
	// cancel_worker and channel death.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		rt.readLoop(cancelRun)
	}()

	summary, runErr := opts.Driver.Run(runCtx, rt.toolkit(), start.Task)

	status := protocol.StatusCompleted
	var errText string
	switch {
	case rt.cancelRequested():
		status = protocol.StatusCancelled
		if strings.TrimSpace(summary) == "" {
			summary = "cancelled"
		}
	case runErr != nil:
		status = protocol.StatusFailed
		errText = runErr.Error()
		if strings.TrimSpace(summary) == "" {
			summary = "task failed"
		}
	}

	// Finalize: drain, then snapshot the tree. The diff is all-or-nothing.
	drainCtx := context.Background()
	if opts.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(drainCtx, opts.DrainTimeout)
		defer cancel()
	}
	if status == protocol.StatusCancelled {
		rt.sched.CancelAll()
	}
	if err := rt.sched.Drain(drainCtx); err != nil {
		debug.LogKV("worker", "drain timed out", "error", err)
	}

	rt.mu.Lock()
	rt.finalized = true
	rt.mu.Unlock()

	diff := ""
	if d, err := mgr.CollectDiff(ctx, wt); err != nil {
		debug.LogKV("worker", "diff collection failed", "error", err)
		status = protocol.StatusFailed
		if errText == "" {
			errText = err.Error()
		}
	} else {
		diff = d
	}

	result := protocol.WorkerResult{
		Summary:  summary,
		Diff:     diff,
		Commands: toWire(rt.rec.Snapshot()),
		Status:   status,
		Error:    errText,
	}
	if rt.protocolBroken() {
		// The channel is unusable; the supervisor infers failure from the
		// exit code.
		return protocol.ExitProtocol
	}
	emitResult(conn, result)

	switch status {
	case protocol.StatusCompleted:
		return protocol.ExitCompleted
	case protocol.StatusCancelled:
		return protocol.ExitCancelled
	default:
		return protocol.ExitFailed
	}
}

func emitResult(conn *ipc.Conn, result protocol.WorkerResult) {
	if _, err := conn.Send(protocol.TagWorkerResult, result); err != nil {
		debug.LogKV("worker", "result emission failed", "error", err)
	}
}

func toWire(recs []recorder.Record) []protocol.CommandRecord {
	out := make([]protocol.CommandRecord, len(recs))
	for i, r := range recs {
		out[i] = protocol.CommandRecord{
			Cmd:        r.Cmd,
			Argv:       r.Argv,
			ExitCode:   r.ExitCode,
			StdoutTail: r.StdoutTail,
			StderrTail: r.StderrTail,
			DurationMS: protocol.DurationMS(r.Duration),
			AgentID:    r.AgentID,
		}
	}
	return out
}

// runtime assembles the worker's moving parts around one connection.
type runtime struct {
	conn  *ipc.Conn
	cfg   *config.Config
	mgr   *worktree.Manager
	wt    *worktree.Worktree
	rec   *recorder.Recorder
	sched *sched.Scheduler
	exec  *agent.Executor
	reg   *agent.Registry

	mu           sync.Mutex
	userInput    map[string]chan string // request ID -> answer
	progressSent int                    // records already shipped as deltas
	cancelled    bool
	protoErr     bool
	finalized    bool
	agentSeq     int
}

func newRuntime(conn *ipc.Conn, cfg *config.Config, mgr *worktree.Manager, wt *worktree.Worktree, reg *agent.Registry) *runtime {
	rec := recorder.New(cfg.StdoutTailBytes, cfg.StderrTailBytes)
	rt := &runtime{
		conn:      conn,
		cfg:       cfg,
		mgr:       mgr,
		wt:        wt,
		rec:       rec,
		exec:      agent.NewExecutor(wt.Path, rec, cfg.StdoutTailBytes, cfg.StderrTailBytes),
		reg:       reg,
		userInput: make(map[string]chan string),
	}
	rt.sched = sched.New(sched.Options{
		MaxConcurrentReaders: cfg.MaxConcurrentReaders,
		WriterDeadline:       time.Duration(cfg.WriterDeadlineMS) * time.Millisecond,
		OnWriterDeadline: func(agentID string, held time.Duration) {
			rt.sendWarning(
				fmt.Sprintf("warning: writer %s holding past deadline (%s)", agentID, held),
				&protocol.Warning{
					Kind:    protocol.WarningWriterDeadline,
					AgentID: agentID,
					HeldMS:  held.Milliseconds(),
				},
			)
		},
	})
	return rt
}

func (rt *runtime) close() {
	rt.mu.Lock()
	for id, ch := range rt.userInput {
		close(ch)
		delete(rt.userInput, id)
	}
	rt.mu.Unlock()
}

// readLoop consumes supervisor frames until the channel dies.
func (rt *runtime) readLoop(cancelRun context.CancelFunc) {
	for {
		frame, err := rt.conn.Recv()
		if err != nil {
			if errors.Is(err, ipc.ErrProtocol) {
				debug.LogKV("worker", "protocol error on channel", "error", err)
				rt.mu.Lock()
				rt.protoErr = true
				rt.mu.Unlock()
			}
			cancelRun()
			return
		}

		switch frame.Tag {
		case protocol.TagUserInputResponse:
			payload, err := protocol.DecodePayload[protocol.UserInputResponse](frame)
			if err != nil {
				continue
			}
			rt.mu.Lock()
			ch := rt.userInput[payload.RequestID]
			delete(rt.userInput, payload.RequestID)
			rt.mu.Unlock()
			if ch != nil {
				ch <- payload.Response
			}

		case protocol.TagCancelWorker:
			debug.Log("worker", "cancel requested by supervisor")
			rt.mu.Lock()
			rt.cancelled = true
			rt.mu.Unlock()
			rt.sched.CancelAll()
			cancelRun()

		default:
			debug.LogKV("worker", "ignoring unexpected frame", "tag", frame.Tag)
		}
	}
}

func (rt *runtime) cancelRequested() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cancelled
}

func (rt *runtime) protocolBroken() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.protoErr
}

// sendProgress ships the command records appended since the last progress
// frame (deltas), plus an optional note. Best-effort: a dead channel is
// observed by the read loop, not here.
func (rt *runtime) sendProgress(note string) {
	rt.sendWarning(note, nil)
}

// sendWarning is sendProgress with an optional structured warning attached,
// so the supervisor can emit a typed event for it.
func (rt *runtime) sendWarning(note string, warning *protocol.Warning) {
	rt.mu.Lock()
	if rt.finalized {
		rt.mu.Unlock()
		return
	}
	delta := rt.rec.Since(rt.progressSent)
	rt.progressSent += len(delta)
	rt.mu.Unlock()

	if len(delta) == 0 && note == "" && warning == nil {
		return
	}
	rt.conn.Send(protocol.TagProgress, protocol.Progress{
		CommandsDelta: toWire(delta),
		Note:          note,
		Warning:       warning,
	})
}

func (rt *runtime) nextAgentID(typ protocol.AgentType) string {
	rt.mu.Lock()
	rt.agentSeq++
	n := rt.agentSeq
	rt.mu.Unlock()
	return fmt.Sprintf("%s-%d", typ, n)
}
