package resolver

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/retry"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
	"github.com/wkaandemir/branch-nexus/internal/testutil"
	"github.com/wkaandemir/branch-nexus/internal/worktree"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func newTestResolver(t *testing.T, root string, ignore ...string) *Resolver {
	t.Helper()
	testutil.SkipIfNoGit(t)

	r, err := New(worktree.NewGit(runtime.NewLocal(nil), time.Minute), Options{
		WorkspaceRoot: root,
		Retry:         fastPolicy(),
		Ignore:        ignore,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestParseRefs(t *testing.T) {
	out := "refs/heads/main\taaa\torigin/main\t\n" +
		"refs/heads/local-only\tbbb\t\t\n" +
		"refs/remotes/origin/HEAD\tccc\t\trefs/remotes/origin/main\n" +
		"refs/remotes/origin/main\taaa\t\t\n" +
		"refs/remotes/origin/feature/x\tddd\t\t\n" +
		"refs/remotes/upstream/feature/x\teee\t\t\n"

	got := ParseRefs(out)
	want := []worktree.BranchRef{
		{Name: "main", Remote: "origin", SHA: "aaa", Upstream: "origin/main"},
		{Name: "local-only", SHA: "bbb"},
		{Name: "feature/x", Remote: "origin", SHA: "ddd", Upstream: "origin/feature/x"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseRefs() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestParseRefs_TrimmedLastLine(t *testing.T) {
	out := "refs/heads/feature-x\taaa\t\t\nrefs/heads/main\tbbb"

	got := ParseRefs(out)
	want := []worktree.BranchRef{
		{Name: "feature-x", SHA: "aaa"},
		{Name: "main", SHA: "bbb"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseRefs() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestListBranches_LastLocalBranchWithoutUpstream(t *testing.T) {
	r := newTestResolver(t, testutil.TempDir(t))
	repo := testutil.SetupTestRepo(t)
	testutil.CreateBranch(t, repo, "feature-x")
	ctx := context.Background()

	var names []string
	for ref, err := range r.ListBranches(ctx, repo) {
		if err != nil {
			t.Fatalf("ListBranches() error = %v", err)
		}
		names = append(names, ref.Name)
	}
	if want := []string{"feature-x", "main"}; !reflect.DeepEqual(names, want) {
		t.Errorf("ListBranches() = %v, want %v", names, want)
	}

	for _, name := range []string{"main", "feature-x"} {
		ref, err := r.ResolveBranch(ctx, repo, name)
		if err != nil {
			t.Errorf("ResolveBranch(%s) error = %v", name, err)
			continue
		}
		if ref.Name != name || ref.SHA == "" {
			t.Errorf("ResolveBranch(%s) = %+v", name, ref)
		}
	}
}

func TestIsRemote(t *testing.T) {
	tests := []struct {
		repo string
		want bool
	}{
		{"https://github.com/acme/api.git", true},
		{"file:///srv/git/api.git", true},
		{"git@github.com:acme/api.git", true},
		{"/home/dev/api", false},
		{"./api", false},
		{`C:\src\api`, false},
	}
	for _, tt := range tests {
		t.Run(tt.repo, func(t *testing.T) {
			if got := IsRemote(tt.repo); got != tt.want {
				t.Errorf("IsRemote(%q) = %v, want %v", tt.repo, got, tt.want)
			}
		})
	}
}

func TestNew_InvalidIgnorePattern(t *testing.T) {
	_, err := New(nil, Options{Ignore: []string{"[unterminated"}})
	if !errors.IsConfiguration(err) {
		t.Errorf("New() error = %v, want ConfigurationError", err)
	}
}

func TestDiscoverRepositories(t *testing.T) {
	root := testutil.TempDir(t)
	r := newTestResolver(t, root, "**/node_modules/**")

	for _, dir := range []string{"b-repo", "A-repo", "nested/deep/c-repo", "web/node_modules/dep"} {
		full := filepath.Join(root, dir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			t.Fatal(err)
		}
		testutil.Git(t, full, "init", "-q")
	}
	if err := os.MkdirAll(filepath.Join(root, "plain"), 0o755); err != nil {
		t.Fatal(err)
	}

	var got []string
	for repo, err := range r.DiscoverRepositories(context.Background(), root) {
		if err != nil {
			t.Fatalf("DiscoverRepositories() error = %v", err)
		}
		got = append(got, repo.Path)
	}
	want := []string{
		filepath.Join(root, "A-repo"),
		filepath.Join(root, "b-repo"),
		filepath.Join(root, "nested/deep/c-repo"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DiscoverRepositories() = %v, want %v", got, want)
	}

	count := 0
	for range r.DiscoverRepositories(context.Background(), root) {
		count++
		break
	}
	if count != 1 {
		t.Errorf("early break yielded %d items", count)
	}
}

func TestMaterialize_LocalRepository(t *testing.T) {
	root := testutil.TempDir(t)
	r := newTestResolver(t, root)
	repo := testutil.SetupTestRepo(t)
	testutil.CreateBranch(t, repo, "dev")

	target, err := r.Materialize(context.Background(), repo, "dev")
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if target.Repository != repo || target.Cloned {
		t.Errorf("Materialize() = %+v, want local repository unchanged", target)
	}
	if target.Branch.Name != "dev" || target.Branch.SHA == "" {
		t.Errorf("Branch = %+v", target.Branch)
	}

	_, err = r.Materialize(context.Background(), repo, "missing")
	if !errors.Is(err, errors.ErrBranchNotFound) {
		t.Errorf("Materialize(missing) error = %v, want ErrBranchNotFound", err)
	}

	_, err = r.Materialize(context.Background(), testutil.TempDir(t), "main")
	if err == nil || !errors.IsFatal(err) {
		t.Errorf("Materialize(non-repo) error = %v, want fatal", err)
	}
}

func TestMaterialize_ClonesThenFetches(t *testing.T) {
	root := testutil.TempDir(t)
	_, remote := testutil.SetupTestRepoWithRemote(t, "feature/x")
	url := "file://" + remote
	ctx := context.Background()

	r := newTestResolver(t, root)
	target, err := r.Materialize(ctx, url, "origin/feature/x")
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	wantAnchor := filepath.Join(root, AnchorDir, "origin")
	if target.Repository != wantAnchor {
		t.Errorf("Repository = %q, want %q", target.Repository, wantAnchor)
	}
	if !target.Cloned {
		t.Error("Cloned = false on first materialization")
	}
	if target.Branch.Name != "feature/x" || target.Branch.Remote != "origin" {
		t.Errorf("Branch = %+v, want feature/x on origin", target.Branch)
	}
	if _, err := os.Stat(materializingMarker(wantAnchor)); !os.IsNotExist(err) {
		t.Errorf("materialization marker left behind: %v", err)
	}
	if head := testutil.Git(t, wantAnchor, "rev-parse", "--abbrev-ref", "HEAD"); head != "HEAD" {
		t.Errorf("anchor HEAD = %q, want detached", head)
	}

	again, err := newTestResolver(t, root).Materialize(ctx, url, "main")
	if err != nil {
		t.Fatalf("second Materialize() error = %v", err)
	}
	if again.Cloned {
		t.Error("existing clone was cloned again")
	}
}

func TestMaterialize_RecloneIncomplete(t *testing.T) {
	root := testutil.TempDir(t)
	_, remote := testutil.SetupTestRepoWithRemote(t)
	url := "file://" + remote
	ctx := context.Background()

	if _, err := newTestResolver(t, root).Materialize(ctx, url, "main"); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	anchor := filepath.Join(root, AnchorDir, "origin")
	if err := os.WriteFile(materializingMarker(anchor), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(anchor, "junk"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	target, err := newTestResolver(t, root).Materialize(ctx, url, "main")
	if err != nil {
		t.Fatalf("Materialize() after interruption error = %v", err)
	}
	if !target.Cloned {
		t.Error("incomplete clone was reused")
	}
	if _, err := os.Stat(filepath.Join(anchor, "junk")); !os.IsNotExist(err) {
		t.Error("partial clone contents survived")
	}
}

func TestMaterialize_ConcurrentBranchesShareOneClone(t *testing.T) {
	root := testutil.TempDir(t)
	_, remote := testutil.SetupTestRepoWithRemote(t, "a", "b", "c")
	url := "file://" + remote
	r := newTestResolver(t, root)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, b := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.Materialize(context.Background(), url, b)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Materialize #%d error = %v", i, err)
		}
	}
}

func TestMaterialize_UnreachableRemoteIsNotRetriedForever(t *testing.T) {
	root := testutil.TempDir(t)
	r := newTestResolver(t, root)
	tracker := retry.NewTracker()
	r.tracker = tracker

	_, err := r.Materialize(context.Background(), "file://"+filepath.Join(root, "nowhere.git"), "main")
	if err == nil {
		t.Fatal("Materialize() of missing remote succeeded")
	}
	for _, st := range tracker.Snapshot() {
		if st.Attempts > fastPolicy().MaxAttempts {
			t.Errorf("%s attempted %d times, max %d", st.Key, st.Attempts, fastPolicy().MaxAttempts)
		}
	}
}

func TestResolveBranch_SuggestsNearNames(t *testing.T) {
	r := newTestResolver(t, testutil.TempDir(t))
	repo := testutil.SetupTestRepo(t)
	testutil.CreateBranch(t, repo, "feature/login")
	testutil.CreateBranch(t, repo, "release")

	_, err := r.ResolveBranch(context.Background(), repo, "login")
	if !errors.Is(err, errors.ErrBranchNotFound) {
		t.Fatalf("ResolveBranch() error = %v, want ErrBranchNotFound", err)
	}
	hint := errors.HintOf(err)
	if !strings.Contains(hint, "did you mean feature/login") {
		t.Errorf("hint = %q, want feature/login suggested", hint)
	}
	if strings.Contains(hint, "release") {
		t.Errorf("hint = %q suggests an unrelated branch", hint)
	}
}

func TestSuggest(t *testing.T) {
	refs := []worktree.BranchRef{
		{Name: "main"},
		{Name: "feature/auth"},
		{Name: "feature/auth", Remote: "origin"},
		{Name: "feature/audit"},
		{Name: "fix/typo"},
	}
	tests := []struct {
		name string
		want int
	}{
		{name: "auth", want: 1},
		{name: "zzz", want: 0},
		{name: "f", want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := suggest(tt.name, refs); len(got) != tt.want {
				t.Errorf("suggest(%q) = %v, want %d names", tt.name, got, tt.want)
			}
		})
	}
}
