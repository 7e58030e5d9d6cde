package worktree

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wkaandemir/branch-nexus/internal/errors"
)

func TestSanitizeSegment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"main", "main"},
		{"feature/login", "feature-login"},
		{"feature//deep///path", "feature-deep-path"},
		{"fix: crash on start", "fix-crash-on-start"},
		{"release-1.2.3", "release-1.2.3"},
		{"..hidden", "hidden"},
		{"-leading-and-trailing-", "leading-and-trailing"},
		{"ümlaut", "mlaut"},
		{"///", "default"},
		{"", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeSegment(tt.in); got != tt.want {
				t.Errorf("SanitizeSegment(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRepoName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/home/dev/src/api", "api"},
		{"/home/dev/src/api/", "api"},
		{"https://github.com/acme/web-app.git", "web-app"},
		{"git@github.com:acme/tools.git", "tools"},
		{`C:\Users\dev\repo`, "repo"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := RepoName(tt.in); got != tt.want {
				t.Errorf("RepoName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPathFor_Deterministic(t *testing.T) {
	a := PathFor("/ws", "/src/api", "feature/x")
	b := PathFor("/ws/", "/src/api", "feature/x")
	if a != b {
		t.Errorf("PathFor not stable: %q vs %q", a, b)
	}
	if a != "/ws/api/feature-x" {
		t.Errorf("PathFor() = %q, want /ws/api/feature-x", a)
	}
}

func TestUnder(t *testing.T) {
	tests := []struct {
		root, p string
		want    bool
	}{
		{"/ws", "/ws", true},
		{"/ws", "/ws/api/main", true},
		{"/ws", "/wsx/api", false},
		{"/ws", "/other", false},
	}
	for _, tt := range tests {
		if got := under(tt.root, tt.p); got != tt.want {
			t.Errorf("under(%q, %q) = %v, want %v", tt.root, tt.p, got, tt.want)
		}
	}
}

func TestManager_ClaimCollision(t *testing.T) {
	m := NewManager(nil, "/ws", Options{})

	p1, err := m.claim("/src/api", "feature/x")
	if err != nil {
		t.Fatalf("claim() error = %v", err)
	}
	p2, err := m.claim("/src/api", "feature/x")
	if err != nil || p2 != p1 {
		t.Fatalf("reclaim = %q, %v; want %q, nil", p2, err, p1)
	}

	_, err = m.claim("/src/api", "feature-x")
	if err == nil {
		t.Fatal("claim() of colliding branch succeeded")
	}
	if !errors.IsConfiguration(err) {
		t.Errorf("error is not a ConfigurationError: %v", err)
	}
	if !errors.Is(err, errors.ErrPathCollision) {
		t.Errorf("error does not wrap ErrPathCollision: %v", err)
	}

	if _, err := m.claim("/src/web", "feature-x"); err != nil {
		t.Errorf("same branch in another repository collided: %v", err)
	}
}

func TestPathLocks_SerializesSameKey(t *testing.T) {
	locks := NewPathLocks()
	var active, peak int32
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("/ws/api/main")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("peak concurrent holders = %d, want 1", peak)
	}
	if locks.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", locks.Len())
	}
}

func TestPathLocks_DistinctKeysDoNotBlock(t *testing.T) {
	locks := NewPathLocks()
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Lock(b) blocked while a was held")
	}
}

func TestPathLocks_LockAllOverlappingSets(t *testing.T) {
	locks := NewPathLocks()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys := []string{"/ws/a", "/ws/b"}
			if i%2 == 1 {
				keys = []string{"/ws/b", "/ws/a"}
			}
			unlock, err := locks.LockAll(ctx, keys...)
			if err != nil {
				t.Errorf("LockAll() error = %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("LockAll deadlocked on overlapping key sets")
	}
	if locks.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", locks.Len())
	}
}

func TestPathLocks_LockContextCanceled(t *testing.T) {
	locks := NewPathLocks()
	unlock := locks.Lock("a")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.LockAll(ctx, "b", "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("LockAll() error = %v, want deadline exceeded", err)
	}
	if locks.Len() != 1 {
		t.Errorf("Len() = %d, want only the held key", locks.Len())
	}
}
