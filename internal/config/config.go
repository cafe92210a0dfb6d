// Package config holds user-level runtime options stored in ~/.arbor/config.json.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultTailBytes is the per-command stdout/stderr capture limit.
const DefaultTailBytes = 64 * 1024

// Config holds the recognized runtime options.
//
// Zero numeric values mean "use the default"; Normalize resolves them so
// consumers can read fields directly. KeepWorktreeOnFail is not touched by
// Normalize: its default of true comes from Default and LoadFrom.
type Config struct {
	StdoutTailBytes      int  `json:"stdout_tail_bytes,omitempty"`      // per-command stdout capture limit (default 64 KiB)
	StderrTailBytes      int  `json:"stderr_tail_bytes,omitempty"`      // per-command stderr capture limit (default 64 KiB)
	WriterDeadlineMS     int  `json:"writer_deadline_ms,omitempty"`     // soft deadline for a writer sub-agent (0 = disabled)
	KeepWorktreeOnFail   bool `json:"keep_worktree_on_failure"`         // preserve worktree path for post-mortem (default true)
	MaxConcurrentReaders int  `json:"max_concurrent_readers,omitempty"` // ceiling on parallel read-only sub-agents (0 = unlimited)
	MaxWorkers           int  `json:"max_workers,omitempty"`            // ceiling on parallel workers (0 = unlimited)

	VendorDir  string `json:"vendor_dir,omitempty"`  // directory holding platform worker binaries keyed by target triple
	HelperPath string `json:"helper_path,omitempty"` // extra PATH entry for helper executables inside workers
}

// Default returns a Config with all defaults resolved.
func Default() *Config {
	return &Config{
		StdoutTailBytes:    DefaultTailBytes,
		StderrTailBytes:    DefaultTailBytes,
		KeepWorktreeOnFail: true,
	}
}

// Normalize fills unset fields with their defaults.
func (c *Config) Normalize() {
	if c.StdoutTailBytes <= 0 {
		c.StdoutTailBytes = DefaultTailBytes
	}
	if c.StderrTailBytes <= 0 {
		c.StderrTailBytes = DefaultTailBytes
	}
	if c.WriterDeadlineMS < 0 {
		c.WriterDeadlineMS = 0
	}
	if c.MaxConcurrentReaders < 0 {
		c.MaxConcurrentReaders = 0
	}
	if c.MaxWorkers < 0 {
		c.MaxWorkers = 0
	}
}

// Path returns the config file location.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: user home dir: %w", err)
	}
	return filepath.Join(home, ".arbor", "config.json"), nil
}

// Load reads the config file, applies env overrides, and normalizes.
// A missing file is not an error: defaults are returned.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a config file from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		// KeepWorktreeOnFail defaults to true, so decode into a fresh struct
		// that preserves an explicit false from the file.
		var fileCfg Config
		fileCfg.KeepWorktreeOnFail = true
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		*cfg = fileCfg
	}

	applyEnv(cfg)
	cfg.Normalize()
	return cfg, nil
}

// Save writes the config file, creating ~/.arbor/ if needed.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Env override names. Workers inherit their knobs this way so the supervisor
// does not need to ship the whole config over the channel.
const (
	EnvStdoutTail    = "ARBOR_STDOUT_TAIL_BYTES"
	EnvStderrTail    = "ARBOR_STDERR_TAIL_BYTES"
	EnvWriterDeadln  = "ARBOR_WRITER_DEADLINE_MS"
	EnvKeepWorktree  = "ARBOR_KEEP_WORKTREE_ON_FAILURE"
	EnvMaxReaders    = "ARBOR_MAX_CONCURRENT_READERS"
	EnvVendorDirName = "ARBOR_VENDOR_DIR"
	EnvHelperPath    = "ARBOR_HELPER_PATH"
)

func applyEnv(cfg *Config) {
	if v, ok := envInt(EnvStdoutTail); ok {
		cfg.StdoutTailBytes = v
	}
	if v, ok := envInt(EnvStderrTail); ok {
		cfg.StderrTailBytes = v
	}
	if v, ok := envInt(EnvWriterDeadln); ok {
		cfg.WriterDeadlineMS = v
	}
	if v, ok := envInt(EnvMaxReaders); ok {
		cfg.MaxConcurrentReaders = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvKeepWorktree)); v != "" {
		cfg.KeepWorktreeOnFail = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv(EnvVendorDirName)); v != "" {
		cfg.VendorDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHelperPath)); v != "" {
		cfg.HelperPath = v
	}
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
