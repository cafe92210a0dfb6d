package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agusx1211/arbor/internal/config"
	"github.com/agusx1211/arbor/internal/launcher"
	"github.com/agusx1211/arbor/internal/supervisor"
	"github.com/agusx1211/arbor/internal/webserver"
	"github.com/agusx1211/arbor/pkg/protocol"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run tasks, one isolated worker per task",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringArray("task", nil, "Task to execute (repeatable; one worker each)")
	runCmd.Flags().String("baseline", "HEAD", "Baseline revision for worker worktrees")
	runCmd.Flags().String("repo", ".", "Repository root")
	runCmd.Flags().String("web", "", "Serve the event monitor on this address (e.g. 127.0.0.1:7317)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	tasks, _ := cmd.Flags().GetStringArray("task")
	baseline, _ := cmd.Flags().GetString("baseline")
	repo, _ := cmd.Flags().GetString("repo")
	webAddr, _ := cmd.Flags().GetString("web")

	if len(tasks) == 0 {
		return fmt.Errorf("at least one --task is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := launcher.New(cfg)
	launch := func(ctx context.Context, workerID string) (supervisor.Proc, error) {
		return l.Launch(ctx, workerID)
	}

	sup := supervisor.New(repo, cfg, launch, terminalUserInput())

	if webAddr != "" {
		monitor := webserver.New()
		addr, err := monitor.Listen(webAddr)
		if err != nil {
			return err
		}
		defer monitor.Shutdown(context.Background())
		go monitor.Pump(ctx, sup.Events())
		fmt.Fprintf(os.Stderr, "%s monitoring on ws://%s/ws\n", color(colorDim, "[web]"), addr)
	} else {
		// Drain events so the buffer never fills.
		go func() {
			for range sup.Events() {
			}
		}()
	}

	specs := make([]supervisor.Task, len(tasks))
	for i, t := range tasks {
		specs[i] = supervisor.Task{
			ID:          fmt.Sprintf("worker-%d", i+1),
			BaselineRef: baseline,
			Task:        t,
		}
	}

	results := sup.RunTasks(ctx, specs)

	failed := 0
	for _, res := range results {
		printResult(res)
		if res.Status != protocol.StatusCompleted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workers did not complete", failed, len(results))
	}
	return nil
}

// terminalUserInput prompts on the supervisor's terminal. Requests across
// workers are serialized so prompts do not interleave.
func terminalUserInput() supervisor.UserInputFunc {
	var mu sync.Mutex
	reader := bufio.NewReader(os.Stdin)

	return func(ctx context.Context, workerID string, req protocol.RequestUserInput) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprintf(os.Stderr, "\n%s %s\n", color(colorCyan, "["+workerID+"]"), req.Prompt)
		if len(req.Constraints) > 0 {
			fmt.Fprintf(os.Stderr, "  (%s)\n", strings.Join(req.Constraints, ", "))
		}
		fmt.Fprint(os.Stderr, "> ")

		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}

func printResult(res supervisor.Result) {
	status := res.Status
	switch status {
	case protocol.StatusCompleted:
		status = color(colorGreen, status)
	default:
		status = color(colorRed, status)
	}

	fmt.Printf("%s %s (exit %d)\n", color(colorBold, res.WorkerID), status, res.ExitCode)
	if res.Summary != "" {
		fmt.Printf("  %s\n", strings.ReplaceAll(strings.TrimSpace(res.Summary), "\n", "\n  "))
	}
	if res.Err != nil {
		fmt.Printf("  %s %v\n", color(colorRed, "error:"), res.Err)
	}
	fmt.Printf("  commands: %d\n", len(res.Commands))
	if strings.TrimSpace(res.Diff) != "" {
		fmt.Println(strings.TrimRight(res.Diff, "\n"))
	}
}
