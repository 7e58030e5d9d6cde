// Package hooks runs the configured post-create commands inside each newly
// provisioned worktree. Hooks never fail provisioning: every outcome is
// recorded in a Report and failures are only logged.
package hooks

import (
	"context"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
)

// Exit codes recorded for commands that never ran to completion.
const (
	ExitBlocked = 126
	ExitTimeout = 124
)

// DefaultTimeout bounds one hook command.
const DefaultTimeout = 30 * time.Second

// Config selects and constrains the commands.
type Config struct {
	Commands []string
	Timeout  time.Duration
	// Trusted allows any command. Otherwise the first word of a command
	// must be one of AllowPrefixes.
	Trusted       bool
	AllowPrefixes []string
}

// Context describes the worktree a hook runs in. It is exported to the
// command as BRANCHNEXUS_* variables.
type Context struct {
	Repository string
	Branch     string
	Worktree   string
	SessionID  string
}

func (c Context) env() map[string]string {
	return map[string]string{
		"BRANCHNEXUS_REPOSITORY": c.Repository,
		"BRANCHNEXUS_BRANCH":     c.Branch,
		"BRANCHNEXUS_WORKTREE":   c.Worktree,
		"BRANCHNEXUS_SESSION_ID": c.SessionID,
	}
}

// Execution is the outcome of one command.
type Execution struct {
	Command  string `json:"command" yaml:"command"`
	ExitCode int    `json:"exit_code" yaml:"exit_code"`
	Output   string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Success reports a zero exit code.
func (e Execution) Success() bool {
	return e.ExitCode == 0
}

// Report collects the executions for one worktree.
type Report struct {
	Branch     string      `json:"branch" yaml:"branch"`
	Executions []Execution `json:"executions" yaml:"executions"`
}

// HasFailures reports whether any command failed, was blocked or timed out.
func (r Report) HasFailures() bool {
	for _, e := range r.Executions {
		if !e.Success() {
			return true
		}
	}
	return false
}

// Runner executes hooks through a runtime handle.
type Runner struct {
	rt     runtime.Handle
	cfg    Config
	allow  map[string]bool
	logger *logging.Logger
}

// NewRunner creates a Runner.
func NewRunner(rt runtime.Handle, cfg Config, logger *logging.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	allow := make(map[string]bool, len(cfg.AllowPrefixes))
	for _, p := range cfg.AllowPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			allow[p] = true
		}
	}
	return &Runner{rt: rt, cfg: cfg, allow: allow, logger: logger.WithStage(string(errors.StageHook))}
}

// Enabled reports whether any command is configured.
func (r *Runner) Enabled() bool {
	return r != nil && len(r.cfg.Commands) > 0
}

// Allowed reports whether command passes the trust policy.
func (r *Runner) Allowed(command string) bool {
	return r.check(command) == ""
}

// check returns why command is blocked, or "" when it may run. Untrusted
// commands must parse as shell words and start with an allowed program.
func (r *Runner) check(command string) string {
	if r.cfg.Trusted {
		return ""
	}
	words, err := shlex.Split(command)
	if err != nil {
		return "command is not valid shell syntax: " + err.Error()
	}
	if len(words) == 0 || !r.allow[words[0]] {
		return "command blocked by hook trust policy"
	}
	return ""
}

// Run executes every command in order inside hc.Worktree. A failing
// command does not stop the ones after it.
func (r *Runner) Run(ctx context.Context, hc Context) Report {
	report := Report{Branch: hc.Branch}
	logger := r.logger.WithBranch(hc.Branch)

	for _, command := range r.cfg.Commands {
		if strings.TrimSpace(command) == "" {
			continue
		}
		if reason := r.check(command); reason != "" {
			logger.Warn("hook command blocked", "command", command, "reason", reason)
			report.Executions = append(report.Executions, Execution{
				Command:  command,
				ExitCode: ExitBlocked,
				Output:   reason,
			})
			continue
		}
		report.Executions = append(report.Executions, r.execute(ctx, logger, command, hc))
	}
	return report
}

func (r *Runner) execute(ctx context.Context, logger *logging.Logger, command string, hc Context) Execution {
	logger.Debug("running hook", "command", command)
	res, err := r.rt.Execute(ctx, runtime.Mutating("bash", "-lc", command), runtime.Options{
		Dir:     hc.Worktree,
		Env:     hc.env(),
		Timeout: r.cfg.Timeout,
	})
	switch {
	case errors.Is(err, errors.ErrCommandTimeout):
		logger.Error("hook command timed out", "command", command, "timeout", r.cfg.Timeout)
		return Execution{Command: command, ExitCode: ExitTimeout, Output: "command timed out"}
	case err != nil:
		logger.Error("hook command could not run", "command", command, "error", err.Error())
		return Execution{Command: command, ExitCode: ExitBlocked, Output: err.Error()}
	}

	out := Execution{Command: command, ExitCode: res.ExitCode, Output: res.Combined()}
	if !out.Success() {
		logger.Warn("hook command failed", "command", command, "exit_code", res.ExitCode, "output", logging.Sanitize(out.Output))
	}
	return out
}
