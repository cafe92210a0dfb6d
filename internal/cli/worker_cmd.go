package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agusx1211/arbor/internal/agent"
	"github.com/agusx1211/arbor/internal/config"
	"github.com/agusx1211/arbor/internal/debug"
	"github.com/agusx1211/arbor/internal/driver"
	"github.com/agusx1211/arbor/internal/ipc"
	"github.com/agusx1211/arbor/internal/worker"
)

// workerCmd is the hidden entry point the supervisor launches. The process
// speaks the framed protocol on stdin/stdout and reports through its exit
// code.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run as a worker process (launched by the supervisor)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		registry := agent.NewRegistry()
		agent.RegisterShellBehaviors(registry)

		conn := ipc.Stdio()
		code := worker.Run(cmd.Context(), conn, worker.Options{
			Cfg:      cfg,
			Registry: registry,
			Driver:   driver.Shell{},
		})

		debug.LogKV("cli", "worker exiting", "code", code)
		debug.Close()
		os.Exit(code)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
