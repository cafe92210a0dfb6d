package launcher

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/agusx1211/arbor/internal/config"
)

func TestResolveBinarySelfWhenNoVendorDir(t *testing.T) {
	path, err := ResolveBinary("")
	if err != nil {
		t.Fatalf("ResolveBinary: %v", err)
	}
	if path == "" {
		t.Fatal("empty path")
	}
}

func TestResolveBinaryFromVendorDir(t *testing.T) {
	vendor := t.TempDir()
	triple := runtime.GOOS + "-" + runtime.GOARCH
	dir := filepath.Join(vendor, "arbor-"+triple)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	name := "arbor"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	bin := filepath.Join(dir, name)
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	path, err := ResolveBinary(vendor)
	if err != nil {
		t.Fatalf("ResolveBinary: %v", err)
	}
	if path != bin {
		t.Fatalf("path = %q, want %q", path, bin)
	}
}

func TestResolveBinaryUnsupportedPlatform(t *testing.T) {
	vendor := t.TempDir() // no platform subdirectory
	_, err := ResolveBinary(vendor)
	if err == nil {
		t.Fatal("expected error for missing platform binary")
	}
	triple := runtime.GOOS + "-" + runtime.GOARCH
	if !strings.Contains(err.Error(), triple) {
		t.Fatalf("error should name the triple: %v", err)
	}
}

func TestWorkerEnvCarriesMarkerAndHelperPath(t *testing.T) {
	cfg := config.Default()
	cfg.HelperPath = "/opt/arbor/helpers"
	l := New(cfg)

	env := l.workerEnv("w1")
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, EnvManagedBy+"="+managedByValue) {
		t.Fatal("missing managed-by marker")
	}
	var pathVal string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathVal = kv
		}
	}
	if !strings.Contains(pathVal, "/opt/arbor/helpers"+string(os.PathListSeparator)) {
		t.Fatalf("helper path not prepended: %q", pathVal)
	}
	if !strings.Contains(joined, config.EnvStdoutTail+"=") {
		t.Fatal("missing tail knob propagation")
	}
}
