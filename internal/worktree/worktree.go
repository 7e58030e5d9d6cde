package worktree

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/retry"
)

// State is the lifecycle position of a worktree.
type State string

const (
	StatePlanned       State = "planned"
	StateMaterializing State = "materializing"
	StateReady         State = "ready"
	StateStale         State = "stale"
	StateRemoved       State = "removed"
)

// BranchRef is an immutable snapshot of a resolved branch.
type BranchRef struct {
	// Name is the local branch name, e.g. "feature-x".
	Name string `json:"name" yaml:"name"`
	// Remote is the remote the branch tracks, "" for local-only branches.
	Remote string `json:"remote,omitempty" yaml:"remote,omitempty"`
	SHA    string `json:"sha,omitempty" yaml:"sha,omitempty"`
	// Upstream is the tracking ref, e.g. "origin/feature-x".
	Upstream string `json:"upstream,omitempty" yaml:"upstream,omitempty"`
}

// String returns the branch name.
func (b BranchRef) String() string {
	return b.Name
}

// Worktree is an isolated checkout of one branch.
type Worktree struct {
	Branch     BranchRef `json:"branch" yaml:"branch"`
	Path       string    `json:"path" yaml:"path"`
	Repository string    `json:"repository" yaml:"repository"`
	State      State     `json:"state" yaml:"state"`
	// Reused is set when an existing Ready worktree was returned as is.
	Reused bool `json:"reused" yaml:"reused"`
	// CreatedBranch is set when the local branch was created for this worktree.
	CreatedBranch bool `json:"created_branch" yaml:"created_branch"`
	// UpstreamGone is set when the tracked remote branch no longer exists.
	UpstreamGone bool `json:"upstream_gone,omitempty" yaml:"upstream_gone,omitempty"`
}

// Options configure a Manager.
type Options struct {
	Retry   retry.Policy
	Tracker *retry.Tracker
	// Locks is shared with every other writer under the root.
	Locks  *PathLocks
	Logger *logging.Logger
}

// Manager creates, reuses and removes worktrees under one workspace root.
// Ensure for distinct branches may run concurrently; operations on the same
// path are serialized.
type Manager struct {
	git     *Git
	root    string
	policy  retry.Policy
	tracker *retry.Tracker
	locks   *PathLocks
	logger  *logging.Logger

	mu      sync.Mutex
	claims  map[string]string
	tracked map[string]*Worktree
	order   []string
}

// NewManager creates a Manager for root.
func NewManager(git *Git, root string, opts Options) *Manager {
	if opts.Locks == nil {
		opts.Locks = NewPathLocks()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Manager{
		git:     git,
		root:    path.Clean(root),
		policy:  opts.Retry,
		tracker: opts.Tracker,
		locks:   opts.Locks,
		logger:  opts.Logger.WithStage(string(errors.StageProvision)),
		claims:  make(map[string]string),
		tracked: make(map[string]*Worktree),
	}
}

// Root returns the workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Locks returns the lock table guarding the root.
func (m *Manager) Locks() *PathLocks {
	return m.locks
}

// claim binds the deterministic path of (repo, branch) to that pair for the
// lifetime of the Manager. A second, different pair mapping to the same
// path is rejected.
func (m *Manager) claim(repo, branch string) (string, error) {
	p := PathFor(m.root, repo, branch)
	key := repo + "\x00" + branch

	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.claims[p]; ok && owner != key {
		other := owner[strings.IndexByte(owner, 0)+1:]
		return "", errors.NewConfigurationError(fmt.Sprintf("branches %q and %q map to the same worktree path %s", other, branch, p)).
			WithStage(errors.StageProvision).
			WithBranch(branch).
			WithCause(errors.ErrPathCollision).
			WithHint("rename one of the branches or provision them in separate runs")
	}
	m.claims[p] = key
	return p, nil
}

func (m *Manager) track(wt *Worktree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[wt.Path]; !ok {
		m.order = append(m.order, wt.Path)
	}
	m.tracked[wt.Path] = wt
}

// Tracked returns the worktrees ensured by this Manager, in first-ensure order.
func (m *Manager) Tracked() []*Worktree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worktree, 0, len(m.order))
	for _, p := range m.order {
		out = append(out, m.tracked[p])
	}
	return out
}

// -----------------------------------------------------------------------------
// Ensure
// -----------------------------------------------------------------------------

// Ensure returns a Ready worktree for ref in repo. An existing worktree at the
// deterministic path on the same branch is returned unchanged. One bound to a
// different branch, or whose metadata disagrees with the filesystem, is
// removed and recreated. Creation is retried per the Manager's policy.
func (m *Manager) Ensure(ctx context.Context, repo string, ref BranchRef) (*Worktree, error) {
	p, err := m.claim(repo, ref.Name)
	if err != nil {
		return nil, err
	}

	held := []string{p}
	unlock, err := m.locks.LockAll(ctx, held...)
	if err != nil {
		return nil, errors.WithContext(err, errors.StageProvision, ref.Name)
	}
	defer func() { unlock() }()

	log := m.logger.WithBranch(ref.Name).With("path", p)
	wt := &Worktree{Branch: ref, Path: p, Repository: repo, State: StatePlanned}

	// Stale and clean verdicts are answers, not failures; only errors from
	// reaching git are retried.
	var verdict error
	for {
		err = retry.Do(ctx, "inspect "+p, m.policy, func(ctx context.Context, _ int) error {
			verdict = m.inspect(ctx, wt, held)
			if errors.IsStale(verdict) || errors.Is(verdict, errNotProvisioned) {
				return nil
			}
			return verdict
		})
		var need *lockNeeded
		if !errors.As(err, &need) || slices.Contains(held, need.path) {
			break
		}
		// The branch is checked out at another path under the root: drop
		// the lock and retake it together with that path's.
		unlock()
		held = append(held, need.path)
		if unlock, err = m.locks.LockAll(ctx, held...); err != nil {
			unlock = func() {}
			return nil, errors.WithContext(err, errors.StageProvision, ref.Name)
		}
	}
	if err != nil {
		return nil, errors.WithContext(err, errors.StageProvision, ref.Name)
	}

	var stale *errors.StaleStateError
	switch {
	case verdict == nil:
		wt.State = StateReady
		wt.Reused = true
		m.checkUpstream(ctx, wt)
		m.track(wt)
		log.Info("reusing worktree", "upstream_gone", wt.UpstreamGone)
		return wt, nil
	case errors.As(verdict, &stale):
		wt.State = StateStale
		log.Warn("stale worktree, recreating", "reason", stale.Error())
		if err := m.discard(ctx, wt); err != nil {
			return nil, errors.WithContext(err, errors.StageProvision, ref.Name)
		}
	}

	wt.State = StateMaterializing
	err = m.tracker.Do(ctx, "ensure "+p, m.policy, func(ctx context.Context, attempt int) error {
		return m.create(ctx, wt, attempt)
	})
	if err != nil {
		log.Error("worktree creation failed", "error", err)
		return nil, errors.WithContext(err, errors.StageProvision, ref.Name)
	}

	wt.State = StateReady
	m.track(wt)
	log.Info("worktree ready", "created_branch", wt.CreatedBranch)
	return wt, nil
}

// errNotProvisioned means nothing exists at the path yet.
var errNotProvisioned = errors.New("worktree not provisioned")

// lockNeeded reports a path inspect must mutate but whose lock the caller
// does not hold.
type lockNeeded struct {
	path string
}

func (e *lockNeeded) Error() string {
	return "lock required for " + e.path
}

// inspect decides reuse versus recreate. It returns nil for a Ready
// worktree, errNotProvisioned for a clean path, and a StaleStateError when
// the path must be discarded first. The caller holds the locks in held,
// wt.Path among them.
func (m *Manager) inspect(ctx context.Context, wt *Worktree, held []string) error {
	entries, err := m.git.ListEntries(ctx, wt.Repository)
	if err != nil {
		return err
	}

	var atPath *Entry
	for i := range entries {
		e := &entries[i]
		if path.Clean(e.Path) == wt.Path {
			atPath = e
			continue
		}
		if e.Branch == wt.Branch.Name && !e.Prunable {
			if err := m.releaseElsewhere(ctx, wt, e.Path, held); err != nil {
				return err
			}
		}
	}

	exists, err := m.git.Exists(ctx, wt.Path)
	if err != nil {
		return err
	}
	marker, err := m.git.Exists(ctx, provisioningMarker(wt.Path))
	if err != nil {
		return err
	}

	switch {
	case marker:
		return errors.NewStaleStateError(wt.Path, "interrupted provisioning")
	case !exists && atPath == nil:
		return errNotProvisioned
	case !exists:
		return errors.NewStaleStateError(wt.Path, "registered worktree is missing on disk")
	case atPath == nil:
		return errors.NewStaleStateError(wt.Path, "path is not a registered worktree")
	case atPath.Branch != wt.Branch.Name:
		return errors.NewStaleStateError(wt.Path, fmt.Sprintf("bound to branch %q", atPath.Branch))
	}

	head, err := m.git.Query(ctx, wt.Path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	if !head.Success() || head.Output() != wt.Branch.Name {
		return errors.NewStaleStateError(wt.Path, "checkout HEAD disagrees with worktree metadata")
	}
	wt.Branch.SHA = m.headSHA(ctx, wt.Path)
	return nil
}

// releaseElsewhere handles the branch being checked out at another path.
// Inside the root that checkout is removed once its lock is held; outside
// it the run cannot take the branch.
func (m *Manager) releaseElsewhere(ctx context.Context, wt *Worktree, other string, held []string) error {
	other = path.Clean(other)
	if !under(m.root, other) {
		return errors.NewGitError("branch is checked out outside the workspace root", errors.ErrBranchInUse).
			WithBranch(wt.Branch.Name).
			WithWorktree(other).
			WithRepository(wt.Repository).
			WithStage(errors.StageProvision).
			WithHint("switch " + other + " to another branch or remove that worktree")
	}

	if !slices.Contains(held, other) {
		return &lockNeeded{path: other}
	}

	m.logger.WithBranch(wt.Branch.Name).Warn("removing checkout of branch at old location", "path", other)
	return m.discard(ctx, &Worktree{Path: other, Repository: wt.Repository})
}

// discard removes whatever is at wt.Path, registered or not. The caller
// holds the path lock.
func (m *Manager) discard(ctx context.Context, wt *Worktree) error {
	if _, err := m.git.Query(ctx, wt.Repository, "worktree", "remove", "--force", wt.Path); err != nil {
		return err
	}
	res, err := m.git.Shell(ctx, `rm -rf -- "$1" "$2"`, wt.Path, provisioningMarker(wt.Path))
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.NewGitError("failed to delete worktree directory", nil).
			WithWorktree(wt.Path).
			WithGitOutput(res.Stderr)
	}
	_, err = m.git.Query(ctx, wt.Repository, "worktree", "prune")
	return err
}

// create adds the worktree. Attempts after the first start by discarding
// partial state left by the previous one.
func (m *Manager) create(ctx context.Context, wt *Worktree, attempt int) error {
	if attempt > 1 {
		if err := m.discard(ctx, wt); err != nil {
			return err
		}
	}

	args, created, err := m.addArgs(ctx, wt)
	if err != nil {
		return err
	}

	res, err := m.git.Shell(ctx, `mkdir -p -- "$(dirname -- "$1")" && : > "$2"`, wt.Path, provisioningMarker(wt.Path))
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.NewGitError("failed to prepare worktree parent directory", nil).
			WithWorktree(wt.Path).
			WithGitOutput(res.Stderr)
	}
	if _, err := m.git.Mutate(ctx, wt.Repository, args...); err != nil {
		return errors.WithContext(err, errors.StageProvision, wt.Branch.Name)
	}
	wt.CreatedBranch = created

	head, err := m.git.Run(ctx, wt.Path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	if head != wt.Branch.Name {
		return errors.NewStaleStateError(wt.Path, "new worktree has HEAD "+head)
	}
	wt.Branch.SHA = m.headSHA(ctx, wt.Path)

	if _, err := m.git.Shell(ctx, `rm -f -- "$1"`, provisioningMarker(wt.Path)); err != nil {
		return err
	}
	return nil
}

// addArgs picks `worktree add` arguments: an existing local branch is
// checked out; otherwise a tracking branch is created from the remote.
func (m *Manager) addArgs(ctx context.Context, wt *Worktree) ([]string, bool, error) {
	name := wt.Branch.Name
	local, err := m.git.Query(ctx, wt.Repository, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		return nil, false, err
	}
	if local.Success() {
		return []string{"worktree", "add", wt.Path, name}, false, nil
	}

	if wt.Branch.Remote != "" {
		remoteRef := wt.Branch.Remote + "/" + name
		remote, err := m.git.Query(ctx, wt.Repository, "rev-parse", "--verify", "--quiet", "refs/remotes/"+remoteRef)
		if err != nil {
			return nil, false, err
		}
		if remote.Success() {
			return []string{"worktree", "add", "--track", "-b", name, wt.Path, remoteRef}, true, nil
		}
	}

	return nil, false, errors.NewGitError("branch not found", errors.ErrBranchNotFound).
		WithBranch(name).
		WithRepository(wt.Repository).
		WithStage(errors.StageProvision).
		WithHint("fetch the repository or check the branch name")
}

func (m *Manager) headSHA(ctx context.Context, dir string) string {
	res, err := m.git.Query(ctx, dir, "rev-parse", "HEAD")
	if err != nil || !res.Success() {
		return ""
	}
	return res.Output()
}

// checkUpstream flags a worktree whose tracked remote branch was deleted.
func (m *Manager) checkUpstream(ctx context.Context, wt *Worktree) {
	res, err := m.git.Query(ctx, wt.Path, "for-each-ref", "--format=%(upstream:track)", "refs/heads/"+wt.Branch.Name)
	if err != nil || !res.Success() {
		return
	}
	wt.UpstreamGone = strings.Contains(res.Stdout, "[gone]")
}

// -----------------------------------------------------------------------------
// Remove
// -----------------------------------------------------------------------------

// Remove deletes wt and any branch created solely for it. Removing an
// already Removed worktree is a no-op.
func (m *Manager) Remove(ctx context.Context, wt *Worktree) error {
	if wt == nil {
		return nil
	}
	unlock := m.locks.Lock(wt.Path)
	defer unlock()

	if wt.State == StateRemoved {
		return nil
	}

	log := m.logger.WithStage(string(errors.StageTeardown)).WithBranch(wt.Branch.Name).With("path", wt.Path)
	err := m.tracker.Do(ctx, "remove "+wt.Path, m.policy, func(ctx context.Context, _ int) error {
		return m.removeOnce(ctx, wt)
	})
	if err != nil {
		log.Error("worktree removal failed", "error", err)
		return errors.WithContext(err, errors.StageTeardown, wt.Branch.Name)
	}

	wt.State = StateRemoved
	log.Info("worktree removed", "deleted_branch", wt.CreatedBranch)
	return nil
}

func (m *Manager) removeOnce(ctx context.Context, wt *Worktree) error {
	res, err := m.git.Query(ctx, wt.Repository, "worktree", "remove", "--force", wt.Path)
	if err != nil {
		return err
	}
	if !res.Success() {
		if kind, _ := Classify(res.Stderr); kind == errors.Recoverable {
			return errors.NewGitError("worktree remove failed", nil).
				WithKind(errors.Recoverable).
				WithWorktree(wt.Path).
				WithGitOutput(res.Stderr)
		}
		if err := m.discard(ctx, wt); err != nil {
			return err
		}
	}

	if exists, err := m.git.Exists(ctx, wt.Path); err != nil {
		return err
	} else if exists {
		return errors.NewGitError("worktree directory still present after removal", nil).
			WithWorktree(wt.Path).
			WithBranch(wt.Branch.Name)
	}

	if wt.CreatedBranch {
		del, err := m.git.Query(ctx, wt.Repository, "branch", "-D", wt.Branch.Name)
		if err != nil {
			return err
		}
		if !del.Success() && !strings.Contains(del.Stderr, "not found") {
			return errors.NewGitError("failed to delete branch created for worktree", nil).
				WithBranch(wt.Branch.Name).
				WithRepository(wt.Repository).
				WithGitOutput(del.Stderr)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Reset
// -----------------------------------------------------------------------------

// ResetReport lists the outcome of ResetAll per path.
type ResetReport struct {
	Removed []string          `json:"removed" yaml:"removed"`
	Failed  map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// ResetAll removes every worktree under root, whatever branch it holds and
// whichever repository it belongs to. Clones under root are kept.
func (m *Manager) ResetAll(ctx context.Context, root string) (*ResetReport, error) {
	root = path.Clean(root)
	report := &ResetReport{Failed: make(map[string]string)}
	log := m.logger.WithStage(string(errors.StageReset)).With("root", root)

	exists, err := m.git.Exists(ctx, root)
	if err != nil {
		return report, errors.WithContext(err, errors.StageReset, "")
	}
	if !exists {
		return report, nil
	}

	found, err := m.git.Shell(ctx,
		`find "$1" -mindepth 2 -maxdepth 4 \( -name .git -type f -o -name '*.provisioning' -type f \) -print 2>/dev/null`, root)
	if err != nil {
		return report, errors.WithContext(err, errors.StageReset, "")
	}

	seen := make(map[string]bool)
	var targets []string
	for _, line := range strings.Split(found.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dir := path.Dir(line)
		if strings.HasSuffix(line, ".provisioning") {
			dir = strings.TrimSuffix(line, ".provisioning")
		}
		if !seen[dir] {
			seen[dir] = true
			targets = append(targets, dir)
		}
	}

	var errs []error
	for _, dir := range targets {
		if err := m.resetOne(ctx, dir); err != nil {
			report.Failed[dir] = err.Error()
			errs = append(errs, err)
			log.Warn("reset failed", "path", dir, "error", err)
			continue
		}
		report.Removed = append(report.Removed, dir)
	}

	m.mu.Lock()
	for p := range m.claims {
		if under(root, p) {
			delete(m.claims, p)
		}
	}
	m.mu.Unlock()

	log.Info("workspace reset", "removed", len(report.Removed), "failed", len(report.Failed))
	if len(errs) > 0 {
		return report, errors.WithContext(errors.Join(errs...), errors.StageReset, "")
	}
	return report, nil
}

// resetOne removes one worktree directory found under the root.
func (m *Manager) resetOne(ctx context.Context, dir string) error {
	unlock := m.locks.Lock(dir)
	defer unlock()

	repo := ""
	common, err := m.git.Query(ctx, dir, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return err
	}
	if common.Success() {
		repo = strings.TrimSuffix(common.Output(), "/.git")
	}

	wt := &Worktree{Path: dir, Repository: repo}
	if repo == "" {
		res, err := m.git.Shell(ctx, `rm -rf -- "$1" "$2"`, dir, provisioningMarker(dir))
		if err != nil {
			return err
		}
		if !res.Success() {
			return errors.NewGitError("failed to delete directory", nil).WithWorktree(dir).WithGitOutput(res.Stderr)
		}
	} else if err := m.discard(ctx, wt); err != nil {
		return err
	}

	m.mu.Lock()
	if t, ok := m.tracked[dir]; ok {
		t.State = StateRemoved
	}
	m.mu.Unlock()
	return nil
}
