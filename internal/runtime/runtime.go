// Package runtime executes external commands through one of three
// execution contexts: the local shell, a WSL distribution, or a named
// container. Every filesystem and process operation in branchnexus goes
// through a Handle so the same worktree and multiplexer logic works in all
// three contexts.
//
// A non-zero exit code is returned as data in Result. Execute returns an
// error only when the command could not be launched, its context is
// unreachable, or its timeout expired.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wkaandemir/branch-nexus/internal/errors"
)

// Kind identifies an execution context variant.
type Kind string

const (
	KindLocal     Kind = "local"
	KindWSL       Kind = "wsl"
	KindContainer Kind = "container"
)

// ValidKinds lists the supported runtime kinds.
var ValidKinds = []Kind{KindLocal, KindWSL, KindContainer}

// Command is one process invocation.
type Command struct {
	Args []string
	// NonIdempotent commands turn a timeout into a Fatal failure because
	// their side effects are unknown.
	NonIdempotent bool
}

// Cmd builds an idempotent Command.
func Cmd(args ...string) Command {
	return Command{Args: args}
}

// Mutating builds a non-idempotent Command.
func Mutating(args ...string) Command {
	return Command{Args: args, NonIdempotent: true}
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Options adjust a single Execute call.
type Options struct {
	// Dir is the working directory inside the execution context.
	Dir string
	// Env is overlaid on the context's environment.
	Env map[string]string
	// Timeout bounds the call; zero means no bound beyond ctx.
	Timeout time.Duration
	// Interactive connects the process to the terminal instead of capturing output.
	Interactive bool
}

// Result is the outcome of a launched command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports a zero exit code.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Output returns trimmed stdout.
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout)
}

// Combined returns stdout and stderr joined, trimmed.
func (r Result) Combined() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Handle is the capability every component executes through. Handles are
// stateless after construction and safe for concurrent use.
type Handle interface {
	// Kind returns the variant of this handle.
	Kind() Kind

	// Execute runs cmd in the handle's context.
	Execute(ctx context.Context, cmd Command, opts Options) (Result, error)

	// PaneEntry returns the shell command a new multiplexer pane runs to land
	// in path, or "" when the pane's start directory is enough.
	PaneEntry(path string) string

	// String describes the handle for logs.
	String() string
}

// Spec selects a handle variant.
type Spec struct {
	Kind         Kind
	Distribution string
	Container    string
	// Engine is the container CLI, docker by default.
	Engine string
}

// ParseKind validates a runtime kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range ValidKinds {
		if k == v {
			return k, nil
		}
	}
	return "", errors.NewConfigurationError(fmt.Sprintf("unknown runtime kind %q", s)).
		WithField("runtime.kind").
		WithHint("use one of local, wsl, container")
}

// envPairs renders an overlay as sorted KEY=VALUE pairs.
func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./_-", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// entryScript is the one-time context entry for non-local panes.
func entryScript(path string) string {
	return "cd " + ShellQuote(path) + " && exec \"${SHELL:-bash}\" -l"
}

// Which reports whether name resolves on the handle's PATH.
func Which(ctx context.Context, h Handle, name string) (bool, error) {
	res, err := h.Execute(ctx, Cmd("sh", "-c", "command -v "+ShellQuote(name)), Options{Timeout: 15 * time.Second})
	if err != nil {
		return false, err
	}
	return res.Success() && res.Output() != "", nil
}

// HomeDir returns $HOME inside the handle's execution context.
func HomeDir(ctx context.Context, h Handle) (string, error) {
	res, err := h.Execute(ctx, Cmd("sh", "-c", `printf '%s' "$HOME"`), Options{Timeout: 15 * time.Second})
	if err != nil {
		return "", err
	}
	home := strings.TrimSpace(res.Stdout)
	if !res.Success() || home == "" {
		return "", errors.NewExecutionError("cannot determine home directory in "+h.String(), nil).
			WithStage(errors.StageConfig).
			WithHint("set paths.workspace_root to an absolute path")
	}
	return home, nil
}
