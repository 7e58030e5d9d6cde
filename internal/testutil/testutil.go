// Package testutil provides testing utilities for branchnexus tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository with one commit on main.
// The returned path has symlinks resolved so it matches what git reports.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := TempDir(t)

	mustGit(t, dir, "init")
	mustGit(t, dir, "config", "user.email", "test@branchnexus.dev")
	mustGit(t, dir, "config", "user.name", "BranchNexus Test")

	// git worktree requires at least one commit
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repository\n"), 0o644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	mustGit(t, dir, "add", ".")
	mustGit(t, dir, "commit", "-m", "Initial commit")

	// some systems default to master
	mustGit(t, dir, "branch", "-M", "main")

	return dir
}

// SetupTestRepoWithRemote creates a bare "remote" holding main plus the
// given branches, and a working clone of it. Tests that clone should use
// remoteDir as the URL.
func SetupTestRepoWithRemote(t *testing.T, branches ...string) (repoDir, remoteDir string) {
	t.Helper()

	remoteDir = filepath.Join(TempDir(t), "origin.git")
	if err := os.MkdirAll(remoteDir, 0o755); err != nil {
		t.Fatalf("failed to create remote dir: %v", err)
	}
	mustGit(t, remoteDir, "init", "--bare")

	repoDir = SetupTestRepo(t)
	mustGit(t, repoDir, "remote", "add", "origin", remoteDir)
	mustGit(t, repoDir, "push", "-u", "origin", "main")
	mustGit(t, remoteDir, "symbolic-ref", "HEAD", "refs/heads/main")

	for _, b := range branches {
		mustGit(t, repoDir, "branch", b)
		mustGit(t, repoDir, "push", "origin", b)
	}
	return repoDir, remoteDir
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
	mustGit(t, repoDir, "add", path)
	mustGit(t, repoDir, "commit", "-m", message)
}

// CreateBranch creates a new branch in the repository.
func CreateBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	mustGit(t, repoDir, "branch", branch)
}

// Git runs git in dir and returns trimmed stdout, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	return mustGit(t, dir, args...)
}

// ListWorktrees returns the paths of all worktrees registered in repoDir.
func ListWorktrees(t *testing.T, repoDir string) []string {
	t.Helper()

	var worktrees []string
	for _, line := range strings.Split(mustGit(t, repoDir, "worktree", "list", "--porcelain"), "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, p)
		}
	}
	return worktrees
}

// TempDir returns t.TempDir with symlinks resolved.
func TempDir(t *testing.T) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	return dir
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// SkipIfNoTmux skips the test if tmux is not installed.
func SkipIfNoTmux(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not found in PATH, skipping test")
	}
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=BranchNexus Test",
		"GIT_AUTHOR_EMAIL=test@branchnexus.dev",
		"GIT_COMMITTER_NAME=BranchNexus Test",
		"GIT_COMMITTER_EMAIL=test@branchnexus.dev",
		"GIT_CONFIG_NOSYSTEM=1",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}
