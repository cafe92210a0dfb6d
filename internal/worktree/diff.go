package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agusx1211/arbor/internal/debug"
)

// ErrDiffFailed wraps any I/O or git failure while collecting a diff.
// Diffs are all-or-nothing; partial output is never returned.
var ErrDiffFailed = errors.New("worktree: diff failed")

// CollectDiff produces a unified diff between the worktree's current state
// and its baseline commit. Tracked modifications come from git with
// standard headers; untracked files are appended as additions against an
// empty predecessor, sorted by path. Binary contents are represented by a
// stable header and never embedded.
func (m *Manager) CollectDiff(ctx context.Context, wt *Worktree) (string, error) {
	if wt == nil || wt.BaselineCommit == "" {
		return "", fmt.Errorf("%w: worktree has no baseline", ErrDiffFailed)
	}

	tracked, err := m.gitIn(ctx, wt.Path, "diff", "--no-color", wt.BaselineCommit, "--")
	if err != nil {
		return "", fmt.Errorf("%w: tracked diff: %v", ErrDiffFailed, err)
	}

	untracked, err := m.untrackedPaths(ctx, wt.Path)
	if err != nil {
		return "", fmt.Errorf("%w: listing untracked: %v", ErrDiffFailed, err)
	}

	var b strings.Builder
	b.WriteString(tracked)
	for _, rel := range untracked {
		entry, err := additionEntry(wt.Path, rel)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrDiffFailed, rel, err)
		}
		b.WriteString(entry)
	}

	debug.LogKV("worktree", "diff collected", "path", wt.Path,
		"tracked_bytes", len(tracked), "untracked_files", len(untracked))
	return b.String(), nil
}

// untrackedPaths lists untracked, non-ignored files, sorted by path.
func (m *Manager) untrackedPaths(ctx context.Context, wtPath string) ([]string, error) {
	out, err := m.gitIn(ctx, wtPath, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, p := range strings.Split(out, "\x00") {
		if strings.TrimSpace(p) != "" {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// additionEntry renders one untracked file as a unified-diff addition
// against /dev/null.
func additionEntry(wtPath, rel string) (string, error) {
	abs := filepath.Join(wtPath, rel)
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", rel, rel)
	fmt.Fprintf(&b, "new file mode %s\n", fileMode(abs, rel))

	if isBinary(data) {
		fmt.Fprintf(&b, "Binary files /dev/null and b/%s differ\n", rel)
		return b.String(), nil
	}

	fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n", rel)
	if len(data) == 0 {
		return b.String(), nil
	}

	content := string(data)
	missingNewline := !strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	if len(lines) == 1 {
		b.WriteString("@@ -0,0 +1 @@\n")
	} else {
		fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
	}
	for _, line := range lines {
		b.WriteString("+")
		b.WriteString(line)
		b.WriteString("\n")
	}
	if missingNewline {
		b.WriteString("\\ No newline at end of file\n")
	}
	return b.String(), nil
}

// fileMode maps a file's permission bits to the git mode for a new blob:
// 100755 when any execute bit is set, 100644 otherwise. Non-regular files
// (symlinks, fifos) have no faithful representation on this path; they fall
// back to 100644 with a warning so a post-mortem can notice the loss.
func fileMode(abs, rel string) string {
	info, err := os.Lstat(abs)
	if err != nil {
		debug.LogKV("worktree", "mode stat failed, assuming 100644", "path", rel, "error", err)
		return "100644"
	}
	if !info.Mode().IsRegular() {
		debug.LogKV("worktree", "mode not representable in diff, using 100644", "path", rel, "mode", info.Mode())
		return "100644"
	}
	if info.Mode().Perm()&0111 != 0 {
		return "100755"
	}
	return "100644"
}

// isBinary mirrors git's heuristic: a NUL byte in the first 8000 bytes.
func isBinary(data []byte) bool {
	limit := len(data)
	if limit > 8000 {
		limit = 8000
	}
	for i := 0; i < limit; i++ {
		if data[i] == 0 {
			return true
		}
	}
	return false
}

// gitIn runs a git command inside a worktree and returns combined output.
func (m *Manager) gitIn(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	return m.git(ctx, full...)
}
