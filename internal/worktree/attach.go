package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Attach binds to an existing worktree path created by another process
// (the supervisor) and resolves its baseline commit. Used by worker
// processes, which receive the path over the channel rather than creating
// it themselves.
func Attach(ctx context.Context, path, baselineRef string) (*Manager, *Worktree, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("worktree: attach %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("worktree: attach %s: not a directory", path)
	}

	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		canonical = path
	}
	if abs, err := filepath.Abs(canonical); err == nil {
		canonical = abs
	}

	mgr := NewManager(canonical)
	commit, err := mgr.git(ctx, "rev-parse", "--verify", baselineRef+"^{commit}")
	if err != nil {
		return nil, nil, fmt.Errorf("worktree: attach %s: resolving %q: %w", path, baselineRef, err)
	}

	return mgr, &Worktree{
		Name:           filepath.Base(canonical),
		Path:           canonical,
		BaselineRef:    baselineRef,
		BaselineCommit: strings.TrimSpace(commit),
	}, nil
}
