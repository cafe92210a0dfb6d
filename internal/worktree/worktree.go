// Package worktree manages git worktrees for isolated worker execution.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agusx1211/arbor/internal/debug"
	"github.com/agusx1211/arbor/internal/hexid"
)

const worktreeDir = ".arbor-worktrees"

var (
	// ErrCreateFailed wraps any failure to materialize a worktree.
	ErrCreateFailed = errors.New("worktree: create failed")
	// ErrDisposeFailed wraps any failure to release a worktree.
	ErrDisposeFailed = errors.New("worktree: dispose failed")
)

// Worktree is an isolated working copy pinned to a baseline revision.
// The path exists for the full worker lifetime; at most one worker is
// bound to it at a time.
type Worktree struct {
	Name           string
	Path           string
	BaselineRef    string
	BaselineCommit string
}

// Manager handles creation and cleanup of git worktrees under the
// repository's .arbor-worktrees directory.
type Manager struct {
	repoRoot string
}

// NewManager creates a Manager rooted at the given git repository root.
func NewManager(repoRoot string) *Manager {
	return &Manager{repoRoot: repoRoot}
}

// Create materializes a detached working copy pinned to baselineRef.
// The returned path is canonical and remains valid until Dispose.
func (m *Manager) Create(ctx context.Context, baselineRef string) (*Worktree, error) {
	debug.LogKV("worktree", "Create()", "baseline", baselineRef, "repo_root", m.repoRoot)

	base := filepath.Join(m.repoRoot, worktreeDir)
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrCreateFailed, base, err)
	}

	name := hexid.New()
	wtPath := filepath.Join(base, name)
	if _, err := os.Stat(wtPath); err == nil {
		return nil, fmt.Errorf("%w: target path %s already exists", ErrCreateFailed, wtPath)
	}

	commit, err := m.git(ctx, "rev-parse", "--verify", baselineRef+"^{commit}")
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %q: %v", ErrCreateFailed, baselineRef, err)
	}
	commit = strings.TrimSpace(commit)

	if _, err := m.git(ctx, "worktree", "add", "--detach", wtPath, commit); err != nil {
		return nil, fmt.Errorf("%w: worktree add: %v", ErrCreateFailed, err)
	}

	canonical, err := filepath.EvalSymlinks(wtPath)
	if err != nil {
		canonical = wtPath
	}
	if abs, err := filepath.Abs(canonical); err == nil {
		canonical = abs
	}

	debug.LogKV("worktree", "created", "name", name, "path", canonical, "commit", commit)
	return &Worktree{
		Name:           name,
		Path:           canonical,
		BaselineRef:    baselineRef,
		BaselineCommit: commit,
	}, nil
}

// DisposeOptions controls worktree teardown.
type DisposeOptions struct {
	// KeepOnFailure preserves the path for post-mortem when Failed is set.
	KeepOnFailure bool
	// Failed marks that the bound worker exited non-successfully.
	Failed bool
}

// Dispose releases the working copy. When opts preserve it, the path stays
// on disk and only a debug note is left behind.
func (m *Manager) Dispose(ctx context.Context, wt *Worktree, opts DisposeOptions) error {
	if wt == nil || strings.TrimSpace(wt.Path) == "" {
		return fmt.Errorf("%w: empty worktree", ErrDisposeFailed)
	}

	if opts.KeepOnFailure && opts.Failed {
		debug.LogKV("worktree", "preserved for post-mortem", "path", wt.Path)
		return nil
	}

	if _, err := m.git(ctx, "worktree", "remove", "--force", wt.Path); err != nil {
		// Fallback: manual cleanup.
		if removeErr := os.RemoveAll(wt.Path); removeErr != nil {
			m.git(ctx, "worktree", "prune")
			return fmt.Errorf("%w: remove (%v) and manual cleanup (%v)", ErrDisposeFailed, err, removeErr)
		}
		m.git(ctx, "worktree", "prune")
	}
	debug.LogKV("worktree", "disposed", "path", wt.Path)
	return nil
}

// Info describes an active arbor-managed worktree.
type Info struct {
	Path   string
	Commit string
}

// ListActive returns all worktrees under .arbor-worktrees/.
func (m *Manager) ListActive(ctx context.Context) ([]Info, error) {
	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	base := filepath.Join(m.repoRoot, worktreeDir)
	canonicalBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		canonicalBase = base
	}

	var result []Info
	var current Info
	flush := func() {
		if current.Path != "" && (strings.HasPrefix(current.Path, base) || strings.HasPrefix(current.Path, canonicalBase)) {
			result = append(result, current)
		}
		current = Info{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		}
	}
	flush()
	return result, nil
}

// CleanupStale removes worktrees older than maxAge. Safe to call on every
// supervisor startup; it is how orphans from crashed runs get swept.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) (removed int, _ error) {
	active, err := m.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	for _, wt := range active {
		if maxAge > 0 {
			info, err := os.Stat(wt.Path)
			if err != nil || time.Since(info.ModTime()) <= maxAge {
				continue
			}
		}
		if err := m.Dispose(ctx, &Worktree{Path: wt.Path}, DisposeOptions{}); err != nil {
			debug.LogKV("worktree", "CleanupStale: remove failed", "path", wt.Path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		m.git(ctx, "worktree", "prune")
	}
	return removed, nil
}

// git runs a git command in the repo root and returns combined output.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("worktree", "git exec failed", "cmd", "git "+strings.Join(args, " "), "error", err)
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
