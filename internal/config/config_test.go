package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.StdoutTailBytes != DefaultTailBytes {
		t.Fatalf("StdoutTailBytes = %d, want %d", cfg.StdoutTailBytes, DefaultTailBytes)
	}
	if !cfg.KeepWorktreeOnFail {
		t.Fatal("KeepWorktreeOnFail should default to true")
	}
	if cfg.WriterDeadlineMS != 0 {
		t.Fatalf("WriterDeadlineMS = %d, want 0 (disabled)", cfg.WriterDeadlineMS)
	}
}

func TestLoadFromFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "stdout_tail_bytes": 1024,
  "keep_worktree_on_failure": false,
  "max_concurrent_readers": 4,
  "vendor_dir": "/opt/arbor/vendor"
}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.StdoutTailBytes != 1024 {
		t.Fatalf("StdoutTailBytes = %d, want 1024", cfg.StdoutTailBytes)
	}
	if cfg.StderrTailBytes != DefaultTailBytes {
		t.Fatalf("StderrTailBytes = %d, want default %d", cfg.StderrTailBytes, DefaultTailBytes)
	}
	if cfg.KeepWorktreeOnFail {
		t.Fatal("explicit false in file should survive load")
	}
	if cfg.MaxConcurrentReaders != 4 {
		t.Fatalf("MaxConcurrentReaders = %d, want 4", cfg.MaxConcurrentReaders)
	}
	if cfg.VendorDir != "/opt/arbor/vendor" {
		t.Fatalf("VendorDir = %q", cfg.VendorDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvStdoutTail, "2048")
	t.Setenv(EnvKeepWorktree, "false")
	t.Setenv(EnvMaxReaders, "2")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.StdoutTailBytes != 2048 {
		t.Fatalf("StdoutTailBytes = %d, want 2048", cfg.StdoutTailBytes)
	}
	if cfg.KeepWorktreeOnFail {
		t.Fatal("env false should override default true")
	}
	if cfg.MaxConcurrentReaders != 2 {
		t.Fatalf("MaxConcurrentReaders = %d, want 2", cfg.MaxConcurrentReaders)
	}
}

func TestNormalizeClampsNegatives(t *testing.T) {
	cfg := &Config{StdoutTailBytes: -1, StderrTailBytes: -1, WriterDeadlineMS: -5, MaxConcurrentReaders: -3}
	cfg.Normalize()
	if cfg.StdoutTailBytes != DefaultTailBytes || cfg.StderrTailBytes != DefaultTailBytes {
		t.Fatalf("tails not defaulted: %+v", cfg)
	}
	if cfg.WriterDeadlineMS != 0 || cfg.MaxConcurrentReaders != 0 {
		t.Fatalf("negatives not clamped: %+v", cfg)
	}
}
