package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agusx1211/arbor/internal/agent"
	"github.com/agusx1211/arbor/internal/config"
	"github.com/agusx1211/arbor/internal/driver"
	"github.com/agusx1211/arbor/internal/events"
	"github.com/agusx1211/arbor/internal/ipc"
	"github.com/agusx1211/arbor/internal/worker"
	"github.com/agusx1211/arbor/pkg/protocol"
)

// inprocProc runs the worker runtime in-process over pipes, standing in for
// a launched child process.
type inprocProc struct {
	conn *ipc.Conn
	exit chan int
	stop func()
}

func (p *inprocProc) Channel() *ipc.Conn { return p.conn }
func (p *inprocProc) Wait() int          { return <-p.exit }
func (p *inprocProc) Kill()              { p.stop() }

// inprocLaunch builds a LaunchFunc that runs real worker.Run goroutines.
func inprocLaunch(cfg *config.Config) LaunchFunc {
	return func(ctx context.Context, workerID string) (Proc, error) {
		supRead, workerWrite := io.Pipe()
		workerRead, supWrite := io.Pipe()
		supConn := ipc.New(supRead, supWrite)
		workerConn := ipc.New(workerRead, workerWrite)

		registry := agent.NewRegistry()
		agent.RegisterShellBehaviors(registry)

		exit := make(chan int, 1)
		workerCtx, stop := context.WithCancel(context.Background())
		go func() {
			exit <- worker.Run(workerCtx, workerConn, worker.Options{
				Cfg:      cfg,
				Registry: registry,
				Driver:   driver.Shell{},
			})
			workerConn.Close()
		}()

		return &inprocProc{conn: supConn, exit: exit, stop: stop}, nil
	}
}

func noInput(ctx context.Context, workerID string, req protocol.RequestUserInput) (string, error) {
	return "", nil
}

func newTestSupervisor(t *testing.T, cfg *config.Config, launch LaunchFunc, input UserInputFunc) (*Supervisor, string) {
	t.Helper()
	repo := initGitRepo(t)
	sup := New(repo, cfg, launch, input)
	go func() {
		for range sup.Events() {
		}
	}()
	return sup, repo
}

func TestRunTasksCompletes(t *testing.T) {
	cfg := config.Default()
	sup, repo := newTestSupervisor(t, cfg, inprocLaunch(cfg), noInput)

	results := sup.RunTasks(context.Background(), []Task{{
		ID:          "w1",
		BaselineRef: "main",
		Task:        "printf 'fresh\\n' > fresh.txt",
	}})

	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	res := results[0]
	if res.Status != protocol.StatusCompleted {
		t.Fatalf("status = %q err %v", res.Status, res.Err)
	}
	if res.ExitCode != protocol.ExitCompleted {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if !strings.Contains(res.Diff, "+fresh") {
		t.Fatalf("diff:\n%s", res.Diff)
	}
	if len(res.Commands) == 0 {
		t.Fatal("no commands aggregated")
	}

	// Completed workers do not leave worktrees behind.
	entries, _ := os.ReadDir(filepath.Join(repo, ".arbor-worktrees"))
	if len(entries) != 0 {
		t.Fatalf("worktrees left behind: %v", entries)
	}
}

func TestRunTasksParallelWorkers(t *testing.T) {
	cfg := config.Default()
	sup, _ := newTestSupervisor(t, cfg, inprocLaunch(cfg), noInput)

	tasks := []Task{
		{ID: "a", BaselineRef: "main", Task: "printf 'a\\n' > a.txt"},
		{ID: "b", BaselineRef: "main", Task: "printf 'b\\n' > b.txt"},
		{ID: "c", BaselineRef: "main", Task: "printf 'c\\n' > c.txt"},
	}
	results := sup.RunTasks(context.Background(), tasks)

	for i, res := range results {
		if res.Status != protocol.StatusCompleted {
			t.Fatalf("task %d status = %q err %v", i, res.Status, res.Err)
		}
		if res.WorkerID != tasks[i].ID {
			t.Fatalf("result order broken: %q at %d", res.WorkerID, i)
		}
	}
	// Each worker only sees its own file.
	if !strings.Contains(results[0].Diff, "a.txt") || strings.Contains(results[0].Diff, "b.txt") {
		t.Fatalf("worker a diff leaked:\n%s", results[0].Diff)
	}
}

func TestFailedWorkerKeepsWorktree(t *testing.T) {
	cfg := config.Default() // keep_worktree_on_failure defaults to true
	sup, repo := newTestSupervisor(t, cfg, inprocLaunch(cfg), noInput)

	results := sup.RunTasks(context.Background(), []Task{{
		ID:          "w1",
		BaselineRef: "main",
		Task:        "printf 'debris\\n' > debris.txt && exit 9",
	}})

	if results[0].Status != protocol.StatusFailed {
		t.Fatalf("status = %q", results[0].Status)
	}
	entries, err := os.ReadDir(filepath.Join(repo, ".arbor-worktrees"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("worktree should be preserved for post-mortem: %v %v", entries, err)
	}
}

func TestFailedWorkerDisposesWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.KeepWorktreeOnFail = false
	sup, repo := newTestSupervisor(t, cfg, inprocLaunch(cfg), noInput)

	results := sup.RunTasks(context.Background(), []Task{{
		ID: "w1", BaselineRef: "main", Task: "exit 9",
	}})
	if results[0].Status != protocol.StatusFailed {
		t.Fatalf("status = %q", results[0].Status)
	}
	entries, _ := os.ReadDir(filepath.Join(repo, ".arbor-worktrees"))
	if len(entries) != 0 {
		t.Fatalf("worktree should be disposed: %v", entries)
	}
}

// S6: a worker that dies without a result records failed, empty diff, and
// the commands that arrived via progress.
func TestCrashWithoutResult(t *testing.T) {
	launch := func(ctx context.Context, workerID string) (Proc, error) {
		supRead, workerWrite := io.Pipe()
		workerRead, supWrite := io.Pipe()
		supConn := ipc.New(supRead, supWrite)
		workerConn := ipc.New(workerRead, workerWrite)

		exit := make(chan int, 1)
		go func() {
			// Fake worker: accept the start frame, ship one progress
			// delta, then die without a result.
			if _, err := workerConn.Recv(); err != nil {
				exit <- protocol.ExitFailed
				return
			}
			workerConn.Send(protocol.TagProgress, protocol.Progress{
				CommandsDelta: []protocol.CommandRecord{{Cmd: "sh", Argv: []string{"sh", "-c", "true"}}},
			})
			workerConn.Close()
			exit <- protocol.ExitFailed
		}()
		return &inprocProc{conn: supConn, exit: exit, stop: func() {}}, nil
	}

	cfg := config.Default()
	cfg.KeepWorktreeOnFail = false
	sup, _ := newTestSupervisor(t, cfg, launch, noInput)

	results := sup.RunTasks(context.Background(), []Task{{
		ID: "crashy", BaselineRef: "main", Task: "whatever",
	}})

	res := results[0]
	if res.Status != protocol.StatusFailed {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Diff != "" {
		t.Fatalf("crash must yield empty diff, got:\n%s", res.Diff)
	}
	if len(res.Commands) != 1 || res.Commands[0].Cmd != "sh" {
		t.Fatalf("progress commands lost: %+v", res.Commands)
	}
	if res.Err == nil {
		t.Fatal("missing crash error")
	}
}

// S5: the user-input response reaches the asking worker.
func TestUserInputRouting(t *testing.T) {
	cfg := config.Default()

	// Driver that asks a question and summarizes the answer.
	launch := func(ctx context.Context, workerID string) (Proc, error) {
		supRead, workerWrite := io.Pipe()
		workerRead, supWrite := io.Pipe()
		supConn := ipc.New(supRead, supWrite)
		workerConn := ipc.New(workerRead, workerWrite)

		exit := make(chan int, 1)
		go func() {
			exit <- worker.Run(context.Background(), workerConn, worker.Options{
				Cfg:      cfg,
				Registry: agent.NewRegistry(),
				Driver:   askDriver{},
			})
			workerConn.Close()
		}()
		return &inprocProc{conn: supConn, exit: exit, stop: func() {}}, nil
	}

	input := func(ctx context.Context, workerID string, req protocol.RequestUserInput) (string, error) {
		if req.Prompt != "choose X or Y" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		return "X", nil
	}

	sup, _ := newTestSupervisor(t, cfg, launch, input)
	results := sup.RunTasks(context.Background(), []Task{{
		ID: "asker", BaselineRef: "main", Task: "irrelevant",
	}})

	res := results[0]
	if res.Status != protocol.StatusCompleted {
		t.Fatalf("status = %q err %v", res.Status, res.Err)
	}
	if res.Summary != "chose X" {
		t.Fatalf("summary = %q", res.Summary)
	}
}

type askDriver struct{}

func (askDriver) Run(ctx context.Context, tk *worker.Toolkit, task string) (string, error) {
	answer, err := tk.RequestUserInput(ctx, "choose X or Y", []string{"X", "Y"})
	if err != nil {
		return "", err
	}
	return "chose " + answer, nil
}

// A structured writer-deadline warning in a progress frame surfaces as the
// typed monitor event, not a generic progress message.
func TestWriterDeadlineWarningSurfacesAsTypedEvent(t *testing.T) {
	launch := func(ctx context.Context, workerID string) (Proc, error) {
		supRead, workerWrite := io.Pipe()
		workerRead, supWrite := io.Pipe()
		supConn := ipc.New(supRead, supWrite)
		workerConn := ipc.New(workerRead, workerWrite)

		exit := make(chan int, 1)
		go func() {
			if _, err := workerConn.Recv(); err != nil {
				exit <- protocol.ExitFailed
				return
			}
			workerConn.Send(protocol.TagProgress, protocol.Progress{
				Note: "warning: writer editor-1 holding past deadline (250ms)",
				Warning: &protocol.Warning{
					Kind:    protocol.WarningWriterDeadline,
					AgentID: "editor-1",
					HeldMS:  250,
				},
			})
			workerConn.Send(protocol.TagWorkerResult, protocol.WorkerResult{
				Summary: "done",
				Status:  protocol.StatusCompleted,
			})
			workerConn.Close()
			exit <- protocol.ExitCompleted
		}()
		return &inprocProc{conn: supConn, exit: exit, stop: func() {}}, nil
	}

	cfg := config.Default()
	repo := initGitRepo(t)
	sup := New(repo, cfg, launch, noInput)

	collected := make(chan events.WriterDeadlineExceededMsg, 1)
	go func() {
		for ev := range sup.Events() {
			if msg, ok := ev.(events.WriterDeadlineExceededMsg); ok {
				select {
				case collected <- msg:
				default:
				}
			}
		}
	}()

	results := sup.RunTasks(context.Background(), []Task{{
		ID: "w1", BaselineRef: "main", Task: "slow write",
	}})
	if results[0].Status != protocol.StatusCompleted {
		t.Fatalf("status = %q err %v", results[0].Status, results[0].Err)
	}

	select {
	case msg := <-collected:
		if msg.WorkerID != "w1" || msg.AgentID != "editor-1" {
			t.Fatalf("event = %+v", msg)
		}
		if msg.Held != 250*time.Millisecond {
			t.Fatalf("held = %v", msg.Held)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("writer-deadline event never surfaced")
	}
}

func TestContextCancellationCancelsWorkers(t *testing.T) {
	cfg := config.Default()
	cfg.KeepWorktreeOnFail = false
	sup, _ := newTestSupervisor(t, cfg, inprocLaunch(cfg), noInput)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	results := sup.RunTasks(ctx, []Task{{
		ID: "sleepy", BaselineRef: "main", Task: "sleep 30",
	}})

	res := results[0]
	if res.Status != protocol.StatusCancelled {
		t.Fatalf("status = %q err %v", res.Status, res.Err)
	}
	if res.ExitCode != protocol.ExitCancelled {
		t.Fatalf("exit = %d", res.ExitCode)
	}
}

func TestMaxWorkersCap(t *testing.T) {
	cfg := config.Default()
	cfg.MaxWorkers = 1
	sup, _ := newTestSupervisor(t, cfg, inprocLaunch(cfg), noInput)

	start := time.Now()
	results := sup.RunTasks(context.Background(), []Task{
		{ID: "a", BaselineRef: "main", Task: "sleep 0.3"},
		{ID: "b", BaselineRef: "main", Task: "sleep 0.3"},
	})
	elapsed := time.Since(start)

	for _, res := range results {
		if res.Status != protocol.StatusCompleted {
			t.Fatalf("status = %q err %v", res.Status, res.Err)
		}
	}
	if elapsed < 600*time.Millisecond {
		t.Fatalf("cap not enforced: both workers overlapped (%v)", elapsed)
	}
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	runGit(t, repo, "init")
	runGit(t, repo, "checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(repo, "main.txt"), []byte("initial\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	runGit(t, repo, "add", "main.txt")
	runGit(t, repo, "-c", "user.name=Test", "-c", "user.email=test@example.com", "commit", "-m", "initial commit")
	return repo
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}
