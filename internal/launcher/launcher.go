// Package launcher starts worker processes and wires their IPC pipes.
//
// The worker binary is selected by target triple from a vendor directory
// when one is configured (the layout package managers install platform
// binaries into); otherwise the current executable re-executes itself with
// the hidden worker subcommand.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/agusx1211/arbor/internal/config"
	"github.com/agusx1211/arbor/internal/debug"
	"github.com/agusx1211/arbor/internal/ipc"
)

// EnvManagedBy marks worker processes with the tool that launched them.
const EnvManagedBy = "ARBOR_MANAGED_BY"

// managedByValue identifies this supervisor build in worker environments.
const managedByValue = "arbor-supervisor"

// Launcher starts workers according to the configured launch surface.
type Launcher struct {
	cfg *config.Config
}

// New creates a Launcher.
func New(cfg *config.Config) *Launcher {
	return &Launcher{cfg: cfg}
}

// ResolveBinary selects the worker binary for the current platform.
// With a vendor directory the path is <vendor>/arbor-<os>-<arch>/arbor;
// an absent entry means the platform is unsupported by this installation.
// Without a vendor directory the current executable is reused.
func ResolveBinary(vendorDir string) (string, error) {
	if strings.TrimSpace(vendorDir) == "" {
		self, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("launcher: resolving current executable: %w", err)
		}
		return self, nil
	}

	triple := runtime.GOOS + "-" + runtime.GOARCH
	name := "arbor"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	path := filepath.Join(vendorDir, "arbor-"+triple, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("launcher: unsupported platform %s: no worker binary at %s", triple, path)
	}
	return path, nil
}

// Proc is a launched worker process with its IPC channel.
type Proc struct {
	conn *ipc.Conn
	cmd  *exec.Cmd
}

// Channel returns the IPC connection to the worker.
func (p *Proc) Channel() *ipc.Conn {
	return p.conn
}

// Wait blocks for process exit and returns its exit code.
func (p *Proc) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Kill terminates the worker process without waiting for cooperation.
func (p *Proc) Kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// Launch starts one worker process. The child's stdin/stdout become the
// IPC channel; stderr passes through for operator visibility. The
// environment carries the helper search path and the managing-tool marker.
func (l *Launcher) Launch(ctx context.Context, workerID string) (*Proc, error) {
	bin, err := ResolveBinary(l.cfg.VendorDir)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(bin, "worker")
	cmd.Env = l.workerEnv(workerID)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("launcher: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launcher: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launcher: starting %s: %w", bin, err)
	}

	debug.LogKV("launcher", "worker launched", "worker_id", workerID, "bin", bin, "pid", cmd.Process.Pid)
	return &Proc{
		conn: ipc.New(stdout, stdin),
		cmd:  cmd,
	}, nil
}

// workerEnv builds the child environment: helper path prepended to PATH,
// the managed-by marker, per-worker knobs, and debug log propagation.
func (l *Launcher) workerEnv(workerID string) []string {
	env := os.Environ()
	env = append(env, EnvManagedBy+"="+managedByValue)

	if hp := strings.TrimSpace(l.cfg.HelperPath); hp != "" {
		path := os.Getenv("PATH")
		env = append(env, "PATH="+hp+string(os.PathListSeparator)+path)
	}

	env = append(env,
		fmt.Sprintf("%s=%d", config.EnvStdoutTail, l.cfg.StdoutTailBytes),
		fmt.Sprintf("%s=%d", config.EnvStderrTail, l.cfg.StderrTailBytes),
		fmt.Sprintf("%s=%d", config.EnvWriterDeadln, l.cfg.WriterDeadlineMS),
		fmt.Sprintf("%s=%d", config.EnvMaxReaders, l.cfg.MaxConcurrentReaders),
	)

	return debug.PropagatedEnv(env, "worker:"+workerID)
}
