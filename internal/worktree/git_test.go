package worktree

import (
	"context"
	"reflect"
	"testing"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
	"github.com/wkaandemir/branch-nexus/internal/testutil"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		wantKind errors.Kind
		wantAuth bool
	}{
		{"network reset", "fatal: unable to access 'https://x/': Connection reset by peer", errors.Recoverable, false},
		{"dns", "fatal: Could not resolve host: github.com", errors.Recoverable, false},
		{"index lock", "fatal: Unable to create '/r/.git/index.lock': File exists.", errors.Recoverable, false},
		{"bad credentials", "remote: Invalid username or password.\nfatal: Authentication failed for 'https://x/'", errors.Fatal, true},
		{"prompt disabled", "fatal: could not read Username for 'https://github.com': terminal prompts disabled", errors.Fatal, true},
		{"invalid ref", "fatal: invalid reference: nope", errors.Fatal, false},
		{"empty", "", errors.Fatal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, auth := Classify(tt.output)
			if kind != tt.wantKind || auth != tt.wantAuth {
				t.Errorf("Classify() = (%v, %v), want (%v, %v)", kind, auth, tt.wantKind, tt.wantAuth)
			}
		})
	}
}

func TestParsePorcelain(t *testing.T) {
	out := `worktree /src/api
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /ws/api/feature-x
HEAD 2222222222222222222222222222222222222222
branch refs/heads/feature/x

worktree /ws/api/gone
HEAD 3333333333333333333333333333333333333333
detached
prunable gitdir file points to non-existent location

`
	got := ParsePorcelain(out)
	want := []Entry{
		{Path: "/src/api", Head: "1111111111111111111111111111111111111111", Branch: "main"},
		{Path: "/ws/api/feature-x", Head: "2222222222222222222222222222222222222222", Branch: "feature/x"},
		{Path: "/ws/api/gone", Head: "3333333333333333333333333333333333333333", Detached: true, Prunable: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParsePorcelain() = %+v, want %+v", got, want)
	}
}

func TestGit_RunClassifiesFailures(t *testing.T) {
	fake := testutil.NewFakeRuntime(runtime.KindLocal)
	fake.On("git fetch", testutil.Exit(128, "fatal: unable to access 'https://x/': Connection reset by peer"))
	fake.On("git clone", testutil.Exit(128, "fatal: Authentication failed for 'https://x/'"))
	fake.On("git worktree add", testutil.Exit(128, "fatal: invalid reference: nope"))

	g := NewGit(fake, 0)
	ctx := context.Background()

	_, err := g.Run(ctx, "/r", "fetch")
	if !errors.IsRecoverable(err) {
		t.Errorf("fetch error kind = %v, want recoverable", errors.KindOf(err))
	}

	_, err = g.Run(ctx, "/r", "clone", "https://x/")
	if !errors.IsAuthentication(err) || !errors.IsFatal(err) {
		t.Errorf("clone error = %v, want fatal authentication error", err)
	}

	_, err = g.Mutate(ctx, "/r", "worktree", "add", "/ws/x", "nope")
	if !errors.IsFatal(err) || errors.IsAuthentication(err) {
		t.Errorf("worktree add error = %v, want fatal git error", err)
	}
}

func TestGit_WithTokenInjectsEnvOnly(t *testing.T) {
	fake := testutil.NewFakeRuntime(runtime.KindLocal)
	g := NewGit(fake, 0).WithToken("ghp_secret")

	if _, err := g.Run(context.Background(), "/r", "fetch", "origin"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	c := calls[0]
	for _, a := range c.Args {
		if a == "ghp_secret" || a == "Authorization: Bearer ghp_secret" {
			t.Fatalf("token leaked into argv: %v", c.Args)
		}
	}
	if c.Env["GIT_CONFIG_VALUE_0"] != "Authorization: Bearer ghp_secret" {
		t.Errorf("auth header env = %q", c.Env["GIT_CONFIG_VALUE_0"])
	}
	if c.Env["GIT_TERMINAL_PROMPT"] != "0" {
		t.Errorf("GIT_TERMINAL_PROMPT = %q, want 0", c.Env["GIT_TERMINAL_PROMPT"])
	}

	if NewGit(fake, 0).WithToken("") == nil {
		t.Error("WithToken(\"\") returned nil")
	}
}
