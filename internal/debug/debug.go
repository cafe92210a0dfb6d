// Package debug provides a verbose structured logger for development diagnostics.
//
// When enabled via --debug, every significant event in the arbor runtime is
// written to a single .log file under ~/.arbor/debug/. The log includes
// nanosecond timestamps, process labels, and goroutine IDs so that an
// interleaved supervisor/worker run can be reconstructed after the fact.
// Workers inherit the supervisor's log file through the environment and
// append to it, so one file covers the whole tree.
//
// When disabled (the default), all logging functions are no-ops.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/arbor/internal/hexid"
)

// logger is the global debug logger. nil when debug mode is off.
var (
	logger   *Logger
	loggerMu sync.RWMutex
)

const (
	// EnvEnabled toggles debug logger initialization for worker processes.
	EnvEnabled = "ARBOR_DEBUG_ENABLED"
	// EnvLogPath forces logs to be appended to an existing aggregate debug file.
	EnvLogPath = "ARBOR_DEBUG_LOG_PATH"
	// EnvProcess labels the current process in every emitted log line.
	EnvProcess = "ARBOR_DEBUG_PROCESS"
)

// Logger writes structured debug lines to a file.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	startedAt time.Time
	pid       int
	process   string
}

// Init initializes the global debug logger. It creates ~/.arbor/debug/ if
// needed and opens a log file named with the current timestamp and a random
// hex ID, or attaches to an inherited file when ARBOR_DEBUG_LOG_PATH is set.
// Returns the log file path.
func Init() (string, error) {
	loggerMu.RLock()
	if logger != nil {
		p := logger.path
		loggerMu.RUnlock()
		return p, nil
	}
	loggerMu.RUnlock()

	path, inherited, err := resolveLogPath()
	if err != nil {
		return "", err
	}
	now := time.Now()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}

	l := &Logger{
		file:      f,
		path:      path,
		startedAt: now,
		pid:       os.Getpid(),
		process:   processLabel(),
	}

	if inherited {
		f.WriteString(fmt.Sprintf("\n=== ARBOR DEBUG PROCESS ATTACHED === pid=%d process=%s at=%s\n",
			l.pid, l.process, now.Format(time.RFC3339Nano)))
	} else {
		f.WriteString(fmt.Sprintf("=== ARBOR DEBUG LOG === pid=%d process=%s started=%s file=%s\n",
			l.pid, l.process, now.Format(time.RFC3339Nano), path))
	}

	loggerMu.Lock()
	if logger != nil {
		p := logger.path
		loggerMu.Unlock()
		_ = f.Close()
		return p, nil
	}
	logger = l
	loggerMu.Unlock()

	return path, nil
}

// Close flushes and closes the debug log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()

	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.file.WriteString(fmt.Sprintf("=== DEBUG LOG CLOSED === pid=%d process=%s duration=%s\n",
		l.pid, l.process, time.Since(l.startedAt)))
	l.file.Close()
}

// Enabled returns true if the debug logger is active.
func Enabled() bool {
	loggerMu.RLock()
	e := logger != nil
	loggerMu.RUnlock()
	return e
}

// Path returns the log file path, or "" if not enabled.
func Path() string {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return ""
	}
	return l.path
}

// ShouldEnableFromEnv returns true when debug logging should be initialized
// based on inherited environment variables.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	switch strings.TrimSpace(strings.ToLower(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// PropagatedEnv returns an environment slice with debug variables overlaid so
// a worker process appends to the supervisor's log file. If debug logging is
// not enabled in the current process, baseEnv is returned unchanged.
func PropagatedEnv(baseEnv []string, process string) []string {
	logPath := Path()
	if logPath == "" {
		return baseEnv
	}
	env := append([]string(nil), baseEnv...)
	env = setEnv(env, EnvEnabled, "1")
	env = setEnv(env, EnvLogPath, logPath)
	if strings.TrimSpace(process) != "" {
		env = setEnv(env, EnvProcess, process)
	}
	return env
}

// Log writes a debug line. No-op when debug is disabled.
func Log(component, msg string) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}
	l.write(component, msg)
}

// Logf writes a formatted debug line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}
	l.write(component, fmt.Sprintf(format, args...))
}

// LogKV writes a debug line with key-value context pairs.
// Usage: debug.LogKV("sched", "writer admitted", "agent_id", id, "readers", n)
func LogKV(component, msg string, kvs ...any) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}

	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		b.WriteString(fmt.Sprintf(" %v=%v", kvs[i], kvs[i+1]))
	}
	l.write(component, b.String())
}

// write formats and appends a single log line.
func (l *Logger) write(component, msg string) {
	now := time.Now()
	line := fmt.Sprintf("%s +%12s [P%-6d] [%-14s] [G%-6d] [%-12s] %s\n",
		now.Format("15:04:05.000000000"),
		now.Sub(l.startedAt).Truncate(time.Microsecond),
		l.pid,
		l.process,
		goroutineID(),
		component,
		msg,
	)

	l.mu.Lock()
	l.file.WriteString(line)
	l.mu.Unlock()
}

func resolveLogPath() (string, bool, error) {
	inherited := strings.TrimSpace(os.Getenv(EnvLogPath))
	if inherited != "" {
		dir := filepath.Dir(inherited)
		if dir != "." && dir != string(filepath.Separator) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", true, fmt.Errorf("debug: create dir %s: %w", dir, err)
			}
		}
		return inherited, true, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("debug: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".arbor", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("debug: create dir %s: %w", dir, err)
	}
	filename := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102T150405"), hexid.New())
	return filepath.Join(dir, filename), false, nil
}

func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	base := filepath.Base(os.Args[0])
	for i := 1; i < len(os.Args); i++ {
		arg := strings.TrimSpace(os.Args[i])
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return base + ":" + arg
	}
	return base
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	replace := prefix + value
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = replace
			return env
		}
	}
	return append(env, replace)
}

// goroutineID extracts the goroutine ID from runtime.Stack output.
// Only used in debug mode where performance is secondary.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	if !strings.HasPrefix(s, "goroutine ") {
		return 0
	}
	s = s[len("goroutine "):]
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
