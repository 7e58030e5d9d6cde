// Package worktree owns the isolated checkouts that back every pane: it
// creates, reuses, and removes git worktrees under the workspace root, and
// serializes all writes under that root with per-path locks.
//
// This file provides the git command runner shared with the resolver. Every
// git invocation goes through a runtime.Handle and every failure is
// classified as Recoverable or Fatal from git's own output.
package worktree

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
)

// -----------------------------------------------------------------------------
// Failure Classification
// -----------------------------------------------------------------------------

var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"connection timed out",
	"network is unreachable",
	"could not resolve host",
	"temporary failure",
	"temporarily unavailable",
	"timed out",
	"early eof",
	"the remote end hung up unexpectedly",
	"unable to access",
	"index.lock': file exists",
	"unable to create '", // lock contention
}

var authMarkers = []string{
	"authentication failed",
	"invalid credentials",
	"http basic: access denied",
	"could not read username",
	"could not read password",
	"permission denied (publickey)",
	"the requested url returned error: 401",
	"the requested url returned error: 403",
	"terminal prompts disabled",
}

// Classify maps git's stderr to a failure kind, reporting separately whether
// the failure was a rejected credential.
func Classify(output string) (kind errors.Kind, auth bool) {
	lower := strings.ToLower(output)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return errors.Fatal, true
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return errors.Recoverable, false
		}
	}
	return errors.Fatal, false
}

// -----------------------------------------------------------------------------
// Git Runner
// -----------------------------------------------------------------------------

// Git runs git through a runtime handle.
type Git struct {
	rt      runtime.Handle
	timeout time.Duration
	env     map[string]string
}

// NewGit creates a runner. timeout bounds each invocation; zero means none.
func NewGit(rt runtime.Handle, timeout time.Duration) *Git {
	return &Git{
		rt:      rt,
		timeout: timeout,
		env: map[string]string{
			"GIT_TERMINAL_PROMPT": "0",
			"GCM_INTERACTIVE":     "never",
		},
	}
}

// WithToken returns a runner that authenticates HTTPS remotes with token.
// The credential travels only in the process environment.
func (g *Git) WithToken(token string) *Git {
	if token == "" {
		return g
	}
	env := make(map[string]string, len(g.env)+3)
	for k, v := range g.env {
		env[k] = v
	}
	for k, v := range AuthEnv(token) {
		env[k] = v
	}
	return &Git{rt: g.rt, timeout: g.timeout, env: env}
}

// AuthEnv returns the environment overlay that injects token as an HTTP
// Authorization header for every git request.
func AuthEnv(token string) map[string]string {
	return map[string]string{
		"GIT_CONFIG_COUNT":   "1",
		"GIT_CONFIG_KEY_0":   "http.extraheader",
		"GIT_CONFIG_VALUE_0": "Authorization: Bearer " + token,
	}
}

// Runtime returns the handle the runner executes through.
func (g *Git) Runtime() runtime.Handle {
	return g.rt
}

// Query runs git in dir and returns the result even when git exits non-zero.
func (g *Git) Query(ctx context.Context, dir string, args ...string) (runtime.Result, error) {
	return g.rt.Execute(ctx, runtime.Cmd(append([]string{"git"}, args...)...), runtime.Options{
		Dir:     dir,
		Env:     g.env,
		Timeout: g.timeout,
	})
}

// Run runs an idempotent git command and turns a non-zero exit into a
// classified GitError.
func (g *Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.run(ctx, dir, runtime.Cmd(append([]string{"git"}, args...)...))
}

// Mutate runs a git command whose timeout must not be retried blindly.
func (g *Git) Mutate(ctx context.Context, dir string, args ...string) (string, error) {
	return g.run(ctx, dir, runtime.Mutating(append([]string{"git"}, args...)...))
}

func (g *Git) run(ctx context.Context, dir string, cmd runtime.Command) (string, error) {
	res, err := g.rt.Execute(ctx, cmd, runtime.Options{Dir: dir, Env: g.env, Timeout: g.timeout})
	if err != nil {
		return "", err
	}
	if res.Success() {
		return res.Output(), nil
	}

	kind, auth := Classify(res.Stderr + "\n" + res.Stdout)
	if auth {
		return "", errors.NewAuthenticationError("git rejected the credentials",
			fmt.Errorf("%s: exit %d: %s", cmd.Args[1], res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return "", errors.NewGitError(fmt.Sprintf("git %s failed", cmd.Args[1]), fmt.Errorf("exit status %d", res.ExitCode)).
		WithKind(kind).
		WithRepository(dir).
		WithGitOutput(res.Stderr)
}

// Exists reports whether path exists in the runtime's filesystem.
func (g *Git) Exists(ctx context.Context, path string) (bool, error) {
	res, err := g.rt.Execute(ctx, runtime.Cmd("test", "-e", path), runtime.Options{Timeout: g.timeout})
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// Shell runs a POSIX shell snippet with positional args in the runtime.
func (g *Git) Shell(ctx context.Context, script string, args ...string) (runtime.Result, error) {
	argv := append([]string{"sh", "-c", script, "branchnexus"}, args...)
	return g.rt.Execute(ctx, runtime.Mutating(argv...), runtime.Options{Timeout: g.timeout})
}

// -----------------------------------------------------------------------------
// Porcelain Parsing
// -----------------------------------------------------------------------------

// Entry is one record of `git worktree list --porcelain`.
type Entry struct {
	Path     string
	Head     string
	Branch   string // short name, "" when detached
	Bare     bool
	Detached bool
	Prunable bool
}

// ParsePorcelain parses `git worktree list --porcelain` output.
func ParsePorcelain(out string) []Entry {
	var entries []Entry
	var cur *Entry
	flush := func() {
		if cur != nil {
			entries = append(entries, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Entry{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			cur.Bare = true
		case line == "detached":
			cur.Detached = true
		case strings.HasPrefix(line, "prunable"):
			cur.Prunable = true
		}
	}
	flush()
	return entries
}

// ListEntries returns the worktrees registered in repo.
func (g *Git) ListEntries(ctx context.Context, repo string) ([]Entry, error) {
	out, err := g.Run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParsePorcelain(out), nil
}
