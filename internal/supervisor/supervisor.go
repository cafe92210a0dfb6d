// Package supervisor implements the L1 process: it spawns one worker per
// task in a fresh worktree, routes user-input requests to the front end,
// and aggregates worker results.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agusx1211/arbor/internal/config"
	"github.com/agusx1211/arbor/internal/debug"
	"github.com/agusx1211/arbor/internal/eventq"
	"github.com/agusx1211/arbor/internal/events"
	"github.com/agusx1211/arbor/internal/hexid"
	"github.com/agusx1211/arbor/internal/ipc"
	"github.com/agusx1211/arbor/internal/worktree"
	"github.com/agusx1211/arbor/pkg/protocol"
)

// Task is one unit of top-level work: a baseline to branch from and the
// task text handed to the worker's driver.
type Task struct {
	ID          string
	BaselineRef string
	Task        string
}

// Result is the supervisor-side record of one worker run.
type Result struct {
	WorkerID string
	Status   string
	Summary  string
	Diff     string
	Commands []protocol.CommandRecord
	ExitCode int
	Err      error
}

// Proc is a launched worker as the supervisor sees it. Production uses
// launcher.Proc; tests run workers in-process over pipes.
type Proc interface {
	Channel() *ipc.Conn
	Wait() int
	Kill()
}

// LaunchFunc starts one worker process.
type LaunchFunc func(ctx context.Context, workerID string) (Proc, error)

// UserInputFunc answers a worker's question. It is the pluggable human
// front end; the CLI installs a terminal prompter.
type UserInputFunc func(ctx context.Context, workerID string, req protocol.RequestUserInput) (string, error)

// Supervisor owns the set of live workers.
type Supervisor struct {
	cfg       *config.Config
	worktrees *worktree.Manager
	launch    LaunchFunc
	userInput UserInputFunc

	mu     sync.Mutex
	live   map[string]*ipc.Conn
	events chan any
}

// New creates a Supervisor for the repository at repoRoot.
func New(repoRoot string, cfg *config.Config, launch LaunchFunc, userInput UserInputFunc) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		worktrees: worktree.NewManager(repoRoot),
		launch:    launch,
		userInput: userInput,
		live:      make(map[string]*ipc.Conn),
		events:    make(chan any, 256),
	}
}

// Events returns the lifecycle event stream consumed by the monitor.
// Events are dropped, never blocked on, when the consumer lags.
func (s *Supervisor) Events() <-chan any {
	return s.events
}

func (s *Supervisor) emit(ev any) {
	if !eventq.Offer(s.events, ev) {
		debug.LogKV("supervisor", "event dropped", "type", fmt.Sprintf("%T", ev))
	}
}

// RunTasks executes tasks, one worker per task, bounded by the configured
// worker cap. It returns a result per task in task order.
func (s *Supervisor) RunTasks(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))

	var sem *semaphore.Weighted
	if s.cfg.MaxWorkers > 0 {
		sem = semaphore.NewWeighted(int64(s.cfg.MaxWorkers))
	}

	var g errgroup.Group
	for i := range tasks {
		i := i
		t := tasks[i]
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = Result{WorkerID: t.ID, Status: protocol.StatusFailed, Err: err}
					return nil
				}
				defer sem.Release(1)
			}
			results[i] = s.runOne(ctx, t)
			return nil
		})
	}
	g.Wait()
	return results
}

// CancelAll asks every live worker to shut down cooperatively.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	conns := make([]*ipc.Conn, 0, len(s.live))
	for _, c := range s.live {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Send(protocol.TagCancelWorker, protocol.CancelWorker{})
	}
}

// runOne drives a single worker from worktree creation to disposal.
func (s *Supervisor) runOne(ctx context.Context, t Task) Result {
	workerID := t.ID
	if workerID == "" {
		workerID = "worker-" + hexid.New()
	}

	wt, err := s.worktrees.Create(ctx, t.BaselineRef)
	if err != nil {
		return Result{WorkerID: workerID, Status: protocol.StatusFailed, Err: err}
	}

	res := s.runWorker(ctx, workerID, wt, t)

	failed := res.Status != protocol.StatusCompleted
	if err := s.worktrees.Dispose(context.Background(), wt, worktree.DisposeOptions{
		KeepOnFailure: s.cfg.KeepWorktreeOnFail,
		Failed:        failed,
	}); err != nil {
		debug.LogKV("supervisor", "worktree dispose failed", "worker_id", workerID, "error", err)
	}
	return res
}

func (s *Supervisor) runWorker(ctx context.Context, workerID string, wt *worktree.Worktree, t Task) Result {
	started := time.Now()

	proc, err := s.launch(ctx, workerID)
	if err != nil {
		return Result{WorkerID: workerID, Status: protocol.StatusFailed, Err: err}
	}
	conn := proc.Channel()

	s.mu.Lock()
	s.live[workerID] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.live, workerID)
		s.mu.Unlock()
	}()

	if _, err := conn.Send(protocol.TagStartWorker, protocol.StartWorker{
		WorktreePath: wt.Path,
		BaselineRef:  t.BaselineRef,
		Task:         t.Task,
	}); err != nil {
		proc.Kill()
		proc.Wait()
		return Result{WorkerID: workerID, Status: protocol.StatusFailed, Err: err}
	}

	s.emit(events.WorkerStartedMsg{
		WorkerID:     workerID,
		WorktreePath: wt.Path,
		BaselineRef:  t.BaselineRef,
		Task:         t.Task,
		StartedAt:    started,
	})

	// Cooperative cancellation: when the run context ends, ask the worker
	// to shut down instead of killing it.
	cancelWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Send(protocol.TagCancelWorker, protocol.CancelWorker{})
		case <-cancelWatch:
		}
	}()
	defer close(cancelWatch)

	res := s.readWorker(ctx, workerID, conn)
	res.ExitCode = proc.Wait()

	// A worker that died without a result is a crash: status failed, empty
	// diff, whatever commands arrived via progress.
	if res.Status == "" {
		res.Status = protocol.StatusFailed
		if res.Err == nil {
			res.Err = fmt.Errorf("supervisor: worker %s exited %d without a result", workerID, res.ExitCode)
		}
	}

	s.emit(events.WorkerFinishedMsg{
		WorkerID: workerID,
		Status:   res.Status,
		Summary:  res.Summary,
		ExitCode: res.ExitCode,
		Duration: time.Since(started),
	})
	return res
}

// readWorker consumes worker frames until a result arrives or the channel
// dies. Progress deltas accumulate so a crash still leaves a transcript.
func (s *Supervisor) readWorker(ctx context.Context, workerID string, conn *ipc.Conn) Result {
	res := Result{WorkerID: workerID}
	var progressCommands []protocol.CommandRecord

	for {
		frame, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, ipc.ErrChannelClosed) {
				debug.LogKV("supervisor", "channel error", "worker_id", workerID, "error", err)
				res.Err = err
			}
			res.Commands = progressCommands
			return res
		}

		switch frame.Tag {
		case protocol.TagRequestUserInput:
			req, err := protocol.DecodePayload[protocol.RequestUserInput](frame)
			if err != nil {
				continue
			}
			s.emit(events.UserInputRequestedMsg{
				WorkerID:  workerID,
				RequestID: req.RequestID,
				Prompt:    req.Prompt,
			})
			// Answer asynchronously so a blocked front end cannot stall
			// progress frames from the same worker.
			go s.answerUserInput(ctx, workerID, conn, frame.MessageID, *req)

		case protocol.TagProgress:
			p, err := protocol.DecodePayload[protocol.Progress](frame)
			if err != nil {
				continue
			}
			progressCommands = append(progressCommands, p.CommandsDelta...)
			if p.Warning != nil && p.Warning.Kind == protocol.WarningWriterDeadline {
				s.emit(events.WriterDeadlineExceededMsg{
					WorkerID: workerID,
					AgentID:  p.Warning.AgentID,
					Held:     time.Duration(p.Warning.HeldMS) * time.Millisecond,
				})
			} else {
				s.emit(events.WorkerProgressMsg{
					WorkerID: workerID,
					Note:     p.Note,
					Commands: len(progressCommands),
				})
			}

		case protocol.TagWorkerResult:
			r, err := protocol.DecodePayload[protocol.WorkerResult](frame)
			if err != nil {
				res.Status = protocol.StatusFailed
				res.Err = err
				res.Commands = progressCommands
				return res
			}
			res.Status = r.Status
			res.Summary = r.Summary
			res.Diff = r.Diff
			res.Commands = r.Commands
			if r.Error != "" {
				res.Err = errors.New(r.Error)
			}
			return res

		default:
			debug.LogKV("supervisor", "ignoring unexpected frame", "worker_id", workerID, "tag", frame.Tag)
		}
	}
}

func (s *Supervisor) answerUserInput(ctx context.Context, workerID string, conn *ipc.Conn, correlationID string, req protocol.RequestUserInput) {
	answer, err := s.userInput(ctx, workerID, req)
	if err != nil {
		debug.LogKV("supervisor", "user input failed", "worker_id", workerID, "error", err)
		answer = ""
	}
	conn.Reply(correlationID, protocol.TagUserInputResponse, protocol.UserInputResponse{
		RequestID: req.RequestID,
		Response:  answer,
	})
	s.emit(events.UserInputAnsweredMsg{WorkerID: workerID, RequestID: req.RequestID})
}
