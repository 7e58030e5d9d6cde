// Package resolver finds repositories and branches and materializes remote
// repositories into local anchor clones under the workspace root.
//
// Listings are lazy sequences: nothing runs until the caller iterates, and
// stopping early stops the underlying work. Network operations run under the
// retry policy; rejected credentials are Fatal and never retried.
package resolver

import (
	"context"
	"fmt"
	"iter"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/singleflight"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/retry"
	"github.com/wkaandemir/branch-nexus/internal/worktree"
)

// DefaultRemote is the remote clones are created with.
const DefaultRemote = "origin"

// Repository is a git repository reachable through the runtime.
type Repository struct {
	// Path is the repository's working directory inside the runtime.
	Path string `json:"path" yaml:"path"`
	Name string `json:"name" yaml:"name"`
}

// Options configure a Resolver.
type Options struct {
	// WorkspaceRoot receives clones of remote repositories.
	WorkspaceRoot string
	Retry         retry.Policy
	Tracker       *retry.Tracker
	// Locks must be the table the worktree manager uses for the same root.
	Locks  *worktree.PathLocks
	Logger *logging.Logger
	// Ignore holds glob patterns; matching repository paths are skipped.
	Ignore   []string
	MaxDepth int
}

// Resolver discovers and materializes repositories.
type Resolver struct {
	git     *worktree.Git
	root    string
	policy  retry.Policy
	tracker *retry.Tracker
	locks   *worktree.PathLocks
	logger  *logging.Logger
	ignore  []glob.Glob

	maxDepth int
	group    singleflight.Group
	synced   syncedSet
}

// New creates a Resolver. Invalid ignore patterns are a ConfigurationError.
func New(git *worktree.Git, opts Options) (*Resolver, error) {
	if opts.Locks == nil {
		opts.Locks = worktree.NewPathLocks()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 4
	}

	ignore := make([]glob.Glob, 0, len(opts.Ignore))
	for _, pattern := range opts.Ignore {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.NewConfigurationError(fmt.Sprintf("invalid ignore pattern %q", pattern)).
				WithField("discovery.ignore").
				WithCause(err)
		}
		ignore = append(ignore, g)
	}

	return &Resolver{
		git:      git,
		root:     path.Clean(opts.WorkspaceRoot),
		policy:   opts.Retry,
		tracker:  opts.Tracker,
		locks:    opts.Locks,
		logger:   opts.Logger,
		ignore:   ignore,
		maxDepth: opts.MaxDepth,
	}, nil
}

func (r *Resolver) ignored(p string) bool {
	for _, g := range r.ignore {
		if g.Match(p) || g.Match(p+"/") {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Discovery
// -----------------------------------------------------------------------------

// DiscoverRepositories yields the git repositories below root in path order.
// Linked worktrees are not repositories and are not reported.
func (r *Resolver) DiscoverRepositories(ctx context.Context, root string) iter.Seq2[Repository, error] {
	return func(yield func(Repository, error) bool) {
		log := r.logger.WithStage(string(errors.StageDiscovery)).With("root", root)

		res, err := r.git.Shell(ctx,
			`find "$1" -mindepth 1 -maxdepth "$2" -type d -name .git -prune -print 2>/dev/null`,
			root, strconv.Itoa(r.maxDepth+1))
		if err != nil {
			yield(Repository{}, errors.WithContext(err, errors.StageDiscovery, ""))
			return
		}

		seen := make(map[string]bool)
		var repos []string
		for _, line := range strings.Split(res.Stdout, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			dir := path.Dir(line)
			if seen[dir] || r.ignored(dir) {
				continue
			}
			seen[dir] = true
			repos = append(repos, dir)
		}
		sort.Slice(repos, func(i, j int) bool {
			return strings.ToLower(repos[i]) < strings.ToLower(repos[j])
		})

		log.Debug("discovered repositories", "count", len(repos))
		for _, dir := range repos {
			if !yield(Repository{Path: dir, Name: worktree.RepoName(dir)}, nil) {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Branch Listing
// -----------------------------------------------------------------------------

const refFormat = "%(refname)%09%(objectname)%09%(upstream:short)%09%(symref)"

// ListBranches yields the branches of the repository at repo: local branches
// first, then remote branches with no local counterpart. Remote-only
// branches carry their Remote so ensuring them creates a tracking branch.
func (r *Resolver) ListBranches(ctx context.Context, repo string) iter.Seq2[worktree.BranchRef, error] {
	return func(yield func(worktree.BranchRef, error) bool) {
		out, err := r.git.Run(ctx, repo, "for-each-ref", "--format="+refFormat, "refs/heads", "refs/remotes")
		if err != nil {
			yield(worktree.BranchRef{}, errors.WithContext(err, errors.StageDiscovery, ""))
			return
		}
		for _, ref := range ParseRefs(out) {
			if !yield(ref, nil) {
				return
			}
		}
	}
}

// ParseRefs parses for-each-ref output in refFormat.
func ParseRefs(out string) []worktree.BranchRef {
	var local, remote []worktree.BranchRef
	haveLocal := make(map[string]bool)

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		// Output trimming drops the trailing empty upstream and symref
		// fields of the last line.
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		for len(fields) < 4 {
			fields = append(fields, "")
		}
		if fields[3] != "" {
			continue
		}
		refname, sha, upstream := fields[0], fields[1], fields[2]

		if name, ok := strings.CutPrefix(refname, "refs/heads/"); ok {
			ref := worktree.BranchRef{Name: name, SHA: sha, Upstream: upstream}
			if i := strings.IndexByte(upstream, '/'); i > 0 {
				ref.Remote = upstream[:i]
			}
			local = append(local, ref)
			haveLocal[name] = true
			continue
		}
		if short, ok := strings.CutPrefix(refname, "refs/remotes/"); ok {
			remoteName, name, ok := strings.Cut(short, "/")
			if !ok || name == "HEAD" {
				continue
			}
			remote = append(remote, worktree.BranchRef{Name: name, Remote: remoteName, SHA: sha, Upstream: short})
		}
	}

	merged := local
	seen := make(map[string]bool)
	for _, ref := range remote {
		if haveLocal[ref.Name] || seen[ref.Name] {
			continue
		}
		seen[ref.Name] = true
		merged = append(merged, ref)
	}
	return merged
}

// -----------------------------------------------------------------------------
// Branch Resolution
// -----------------------------------------------------------------------------

// ResolveBranch turns a selection such as "feature-x" or "origin/feature-x"
// into a BranchRef for the repository at repo.
func (r *Resolver) ResolveBranch(ctx context.Context, repo, name string) (worktree.BranchRef, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "refs/heads/")
	name = strings.TrimPrefix(name, "refs/remotes/")
	if name == "" {
		return worktree.BranchRef{}, errors.NewConfigurationError("empty branch name").WithStage(errors.StageMaterialize)
	}

	var refs []worktree.BranchRef
	for ref, err := range r.ListBranches(ctx, repo) {
		if err != nil {
			return worktree.BranchRef{}, errors.WithContext(err, errors.StageMaterialize, name)
		}
		refs = append(refs, ref)
	}

	// An exact name wins and local branches are listed first; then
	// "<remote>/<name>" selects the branch tracking it.
	for _, ref := range refs {
		if ref.Name == name {
			return ref, nil
		}
	}
	for _, ref := range refs {
		if ref.Remote != "" && ref.Remote+"/"+ref.Name == name {
			return ref, nil
		}
	}

	hint := "list branches with `branchnexus branches " + repo + "`"
	if near := suggest(name, refs); len(near) > 0 {
		hint = "did you mean " + strings.Join(near, ", ") + "? or " + hint
	}
	return worktree.BranchRef{}, errors.NewGitError("branch not found", errors.ErrBranchNotFound).
		WithBranch(name).
		WithRepository(repo).
		WithStage(errors.StageMaterialize).
		WithHint(hint)
}

// maxSuggestions caps the branch names offered for a missing branch.
const maxSuggestions = 3

// suggest returns up to maxSuggestions branch names that fuzzily match name,
// best first.
func suggest(name string, refs []worktree.BranchRef) []string {
	seen := make(map[string]bool, len(refs))
	var names []string
	for _, ref := range refs {
		if !seen[ref.Name] {
			seen[ref.Name] = true
			names = append(names, ref.Name)
		}
	}
	var out []string
	for _, m := range fuzzy.Find(name, names) {
		out = append(out, m.Str)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

var scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9._-]+:`)

// IsRemote reports whether repo is a clone URL rather than a path.
func IsRemote(repo string) bool {
	return strings.Contains(repo, "://") || scpLike.MatchString(repo)
}
