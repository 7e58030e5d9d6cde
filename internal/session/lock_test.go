package session

import (
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/wkaandemir/branch-nexus/internal/errors"
)

func TestLockPath(t *testing.T) {
	a := LockPath("/state", "local", "/w")
	if !strings.HasPrefix(a, "/state/locks/") || !strings.HasSuffix(a, ".lock") {
		t.Errorf("LockPath() = %q", a)
	}
	if a != LockPath("/state", "local", "/w") {
		t.Error("LockPath() not deterministic")
	}
	if a == LockPath("/state", "wsl", "/w") {
		t.Error("LockPath() ignores the runtime")
	}
}

func TestAcquireLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := LockPath("/state", "local", "/w")

	lock, err := AcquireLock(fs, path, "/w", "s1", nil)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if lock.PID != os.Getpid() {
		t.Errorf("PID = %d", lock.PID)
	}

	_, err = AcquireLock(fs, path, "/w", "s2", nil)
	if !errors.Is(err, ErrWorkspaceLocked) || !errors.IsConfiguration(err) {
		t.Fatalf("second AcquireLock() error = %v, want ErrWorkspaceLocked", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if _, err := fs.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestAcquireLock_ReplacesDeadHolder(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/state/locks/x.lock"
	host, _ := os.Hostname()
	stale := `{"session_id":"old","root":"/w","pid":-1,"hostname":"` + host + `"}`
	if err := afero.WriteFile(fs, path, []byte(stale), 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(fs, path, "/w", "new", nil)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	got, err := ReadLock(fs, path)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "new" || got.PID != lock.PID {
		t.Errorf("lock = %+v", got)
	}
}
