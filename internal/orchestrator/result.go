package orchestrator

import (
	"fmt"
	"strings"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/hooks"
	"github.com/wkaandemir/branch-nexus/internal/layout"
	"github.com/wkaandemir/branch-nexus/internal/retry"
	"github.com/wkaandemir/branch-nexus/internal/session"
	"github.com/wkaandemir/branch-nexus/internal/worktree"
)

// Selection is one requested {repository, branch} pair. Repository is a
// local path or a clone URL.
type Selection struct {
	Repository string `json:"repository" yaml:"repository"`
	Branch     string `json:"branch" yaml:"branch"`
}

// String renders the selection as repo:branch.
func (s Selection) String() string {
	return s.Repository + ":" + s.Branch
}

// ParseSelection parses "<repo>:<branch>". The branch is everything after
// the last colon, which git never allows in a branch name, so URLs and
// scp-style remotes parse unambiguously.
func ParseSelection(arg string) (Selection, error) {
	i := strings.LastIndex(arg, ":")
	if i <= 0 || i == len(arg)-1 {
		return Selection{}, errors.NewConfigurationError(fmt.Sprintf("invalid selection %q", arg)).
			WithHint("use <repo>:<branch>, e.g. ~/src/app:main or https://github.com/org/app.git:dev")
	}
	repo, branch := strings.TrimSpace(arg[:i]), strings.TrimSpace(arg[i+1:])
	if repo == "" || branch == "" || strings.HasPrefix(branch, "/") {
		return Selection{}, errors.NewConfigurationError(fmt.Sprintf("invalid selection %q", arg)).
			WithHint("use <repo>:<branch>")
	}
	return Selection{Repository: repo, Branch: branch}, nil
}

// Status is the outcome of one branch.
type Status string

const (
	StatusReady  Status = "ready"
	StatusFailed Status = "failed"
)

// BranchResult is the outcome of one selection.
type BranchResult struct {
	Selection Selection `json:"selection" yaml:"selection"`
	Status    Status    `json:"status" yaml:"status"`
	// Worktree is set when the branch is Ready.
	Worktree *worktree.Worktree `json:"worktree,omitempty" yaml:"worktree,omitempty"`
	// Pane is the pane index, -1 for a Ready branch without a pane.
	Pane int `json:"pane" yaml:"pane"`
	// Excess is set for Ready branches beyond the wanted pane count.
	Excess  bool            `json:"excess,omitempty" yaml:"excess,omitempty"`
	Hooks   *hooks.Report   `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Failure *errors.Failure `json:"failure,omitempty" yaml:"failure,omitempty"`
}

// Result is everything a run produced.
type Result struct {
	SessionID string                 `json:"session_id" yaml:"session_id"`
	Session   string                 `json:"tmux_session,omitempty" yaml:"tmux_session,omitempty"`
	Layout    layout.Kind            `json:"layout" yaml:"layout"`
	Policy    session.Policy         `json:"cleanup_policy" yaml:"cleanup_policy"`
	Branches  []BranchResult         `json:"branches" yaml:"branches"`
	Reset     *worktree.ResetReport  `json:"reset,omitempty" yaml:"reset,omitempty"`
	Cleanup   *session.CleanupReport `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	// Failure is the run-level failure, if the run aborted.
	Failure *errors.Failure        `json:"failure,omitempty" yaml:"failure,omitempty"`
	Retries []retry.OperationState `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Ready returns the Ready branch results in selection order.
func (r *Result) Ready() []BranchResult {
	return r.filter(StatusReady)
}

// Failed returns the Failed branch results in selection order.
func (r *Result) Failed() []BranchResult {
	return r.filter(StatusFailed)
}

func (r *Result) filter(s Status) []BranchResult {
	var out []BranchResult
	for _, b := range r.Branches {
		if b.Status == s {
			out = append(out, b)
		}
	}
	return out
}
