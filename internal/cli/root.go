// Package cli is the arbor command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/arbor/internal/buildinfo"
	"github.com/agusx1211/arbor/internal/debug"
)

const (
	// ANSI color codes
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorDim   = "\033[2m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"

	styleBoldWhite = "\033[1;37m"
)

// color wraps s in an ANSI style when stdout is a terminal.
func color(style, s string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return style + s + colorReset
}

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Agent-tree orchestrator",
	Long: `arbor runs isolated worker processes, each bound to its own git
worktree, and collects their results: a summary, a unified diff (including
untracked files), and the full command transcript.

  arbor run --task "..."        Run one task in a fresh worktree
  arbor run --task a --task b   Run tasks in parallel workers
  arbor version                 Show build information

Workers schedule typed sub-agents (explore, review, editor) under a
readers-writer discipline: reads run in parallel, writes run alone.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.arbor/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		if cmd.Name() != "worker" {
			fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		}
		bi := buildinfo.Current()
		debug.LogKV("cli", "arbor starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"pid", os.Getpid(),
			"command", cmd.Name(),
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
