package resolver

import (
	"context"
	"path"
	"sync"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/worktree"
)

// AnchorDir is the directory under the workspace root that holds clones.
// A leading dot cannot survive worktree.SanitizeSegment, so no repository's
// worktree directory can collide with it.
const AnchorDir = ".repos"

// Target is a materialized selection, ready for the worktree manager.
type Target struct {
	// Repository is the local anchor repository path.
	Repository string             `json:"repository" yaml:"repository"`
	Branch     worktree.BranchRef `json:"branch" yaml:"branch"`
	// Cloned is set when this run created the anchor clone.
	Cloned bool `json:"cloned" yaml:"cloned"`
}

type anchorState int

const (
	anchorMissing anchorState = iota
	anchorIncomplete
	anchorReady
)

type syncResult struct {
	cloned bool
}

// syncedSet remembers anchors already cloned or fetched in this run.
type syncedSet struct {
	mu   sync.Mutex
	done map[string]bool
}

func (s *syncedSet) has(k string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[k]
}

func (s *syncedSet) add(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(map[string]bool)
	}
	s.done[k] = true
}

// AnchorPath returns where repo lives locally: the path itself for a local
// repository, a directory under the workspace root for a clone URL.
func (r *Resolver) AnchorPath(repo string) string {
	if !IsRemote(repo) {
		return path.Clean(repo)
	}
	return path.Join(r.root, AnchorDir, worktree.RepoName(repo))
}

func materializingMarker(anchor string) string {
	return anchor + ".materializing"
}

// Materialize makes branch of repo available locally. A clone URL is cloned
// into the workspace root when absent and fetched when present; a clone
// left incomplete by an earlier run is discarded and cloned again. Each
// anchor is synchronized at most once per Resolver, even when several
// branches of it materialize concurrently.
func (r *Resolver) Materialize(ctx context.Context, repo, branch string) (Target, error) {
	anchor := r.AnchorPath(repo)
	log := r.logger.WithStage(string(errors.StageMaterialize)).WithBranch(branch).With("anchor", anchor)

	cloned := false
	if IsRemote(repo) {
		res, err := r.syncShared(ctx, repo, anchor)
		if err != nil {
			log.Error("materialization failed", "error", err)
			return Target{}, errors.WithContext(err, errors.StageMaterialize, branch)
		}
		cloned = res.cloned
	} else if err := r.checkLocal(ctx, anchor); err != nil {
		return Target{}, errors.WithContext(err, errors.StageMaterialize, branch)
	}

	ref, err := r.ResolveBranch(ctx, anchor, branch)
	if err != nil {
		return Target{}, err
	}
	log.Debug("branch resolved", "name", ref.Name, "remote", ref.Remote, "sha", ref.SHA)
	return Target{Repository: anchor, Branch: ref, Cloned: cloned}, nil
}

// syncShared runs sync once for all concurrent callers of the same anchor.
// The shared work is not canceled when one caller gives up; each caller
// still returns as soon as its own context ends.
func (r *Resolver) syncShared(ctx context.Context, url, anchor string) (syncResult, error) {
	if r.synced.has(anchor) {
		return syncResult{}, nil
	}

	work := context.WithoutCancel(ctx)
	ch := r.group.DoChan(anchor, func() (any, error) {
		return r.sync(work, url, anchor)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return syncResult{}, res.Err
		}
		return res.Val.(syncResult), nil
	case <-ctx.Done():
		return syncResult{}, errors.Wrapf(ctx.Err(), "materialize %s", anchor)
	}
}

func (r *Resolver) sync(ctx context.Context, url, anchor string) (syncResult, error) {
	unlock := r.locks.Lock(anchor)
	defer unlock()

	if r.synced.has(anchor) {
		return syncResult{}, nil
	}
	log := r.logger.WithStage(string(errors.StageMaterialize)).With("anchor", anchor, "url", logging.Sanitize(url))

	state, err := r.inspectAnchor(ctx, anchor)
	if err != nil {
		return syncResult{}, err
	}

	var result syncResult
	switch state {
	case anchorReady:
		err = r.tracker.Do(ctx, "fetch "+anchor, r.policy, func(ctx context.Context, _ int) error {
			_, err := r.git.Run(ctx, anchor, "fetch", "--prune", "--tags", DefaultRemote)
			return err
		})
		if err != nil {
			return syncResult{}, err
		}
		log.Info("repository fetched")
	case anchorIncomplete:
		log.Warn("discarding incomplete clone", "reason", errors.ErrIncompleteClone)
		fallthrough
	default:
		if err := r.clone(ctx, url, anchor); err != nil {
			return syncResult{}, err
		}
		result.cloned = true
		log.Info("repository cloned")
	}

	// The anchor stays detached so every branch is free for a worktree.
	if _, err := r.git.Run(ctx, anchor, "checkout", "--detach"); err != nil {
		return syncResult{}, errors.NewGitError("failed to detach anchor repository", err).
			WithRepository(anchor).
			WithHint("the repository may have no commits; push at least one commit and retry")
	}

	r.synced.add(anchor)
	return result, nil
}

// inspectAnchor classifies the anchor directory. The caller holds its lock.
func (r *Resolver) inspectAnchor(ctx context.Context, anchor string) (anchorState, error) {
	marker, err := r.git.Exists(ctx, materializingMarker(anchor))
	if err != nil {
		return 0, err
	}
	if marker {
		return anchorIncomplete, nil
	}

	exists, err := r.git.Exists(ctx, anchor)
	if err != nil {
		return 0, err
	}
	if !exists {
		return anchorMissing, nil
	}

	gitDir, err := r.git.Exists(ctx, path.Join(anchor, ".git"))
	if err != nil {
		return 0, err
	}
	if !gitDir {
		return anchorIncomplete, nil
	}
	head, err := r.git.Query(ctx, anchor, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		return 0, err
	}
	if !head.Success() {
		return anchorIncomplete, nil
	}
	return anchorReady, nil
}

// clone clones url into anchor under the retry policy. Every attempt starts
// from an empty directory with the marker in place; the marker is removed
// only after git reports success.
func (r *Resolver) clone(ctx context.Context, url, anchor string) error {
	marker := materializingMarker(anchor)
	return r.tracker.Do(ctx, "clone "+anchor, r.policy, func(ctx context.Context, _ int) error {
		res, err := r.git.Shell(ctx, `rm -rf -- "$1" && mkdir -p -- "$(dirname -- "$1")" && : > "$2"`, anchor, marker)
		if err != nil {
			return err
		}
		if !res.Success() {
			return errors.NewGitError("failed to prepare clone directory", nil).
				WithRepository(anchor).
				WithGitOutput(res.Stderr)
		}

		if _, err := r.git.Run(ctx, path.Dir(anchor), "clone", "--origin", DefaultRemote, url, anchor); err != nil {
			return err
		}

		_, err = r.git.Shell(ctx, `rm -f -- "$1"`, marker)
		return err
	})
}

// checkLocal verifies that a local selection is a git repository.
func (r *Resolver) checkLocal(ctx context.Context, repo string) error {
	res, err := r.git.Query(ctx, repo, "rev-parse", "--git-dir")
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.NewGitError("not a git repository", nil).
			WithRepository(repo).
			WithGitOutput(res.Stderr).
			WithStage(errors.StageMaterialize).
			WithHint("check the repository path")
	}
	return nil
}
