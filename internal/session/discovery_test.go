package session

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func writeLock(t *testing.T, fs afero.Fs, name, id string, pid int, host string, started time.Time) {
	t.Helper()
	body := fmt.Sprintf(`{"session_id":%q,"root":"/w/%s","pid":%d,"hostname":%q,"started_at":%q}`,
		id, id, pid, host, started.Format(time.RFC3339))
	if err := afero.WriteFile(fs, "/state/locks/"+name, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListSessions(t *testing.T) {
	fs := afero.NewMemMapFs()
	host, _ := os.Hostname()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	writeLock(t, fs, "a.lock", "older", os.Getpid(), host, base)
	writeLock(t, fs, "b.lock", "newer", -1, host, base.Add(time.Hour))
	writeLock(t, fs, "c.lock", "remote", -1, host+"-elsewhere", base.Add(-time.Hour))
	if err := afero.WriteFile(fs, "/state/locks/broken.lock", []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/state/locks/notes.txt", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ListSessions(fs, "/state")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListSessions() returned %d sessions, want 3", len(got))
	}

	tests := []struct {
		id   string
		live bool
	}{
		{"newer", false},
		{"older", true},
		{"remote", true},
	}
	for i, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got[i].SessionID != tt.id {
				t.Errorf("sessions[%d] = %q, want %q", i, got[i].SessionID, tt.id)
			}
			if got[i].Live != tt.live {
				t.Errorf("Live = %v, want %v", got[i].Live, tt.live)
			}
			if got[i].Root != "/w/"+tt.id {
				t.Errorf("Root = %q", got[i].Root)
			}
		})
	}
}

func TestListSessions_NoLocksDir(t *testing.T) {
	got, err := ListSessions(afero.NewMemMapFs(), "/state")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListSessions() = %v, want none", got)
	}
}

func TestCleanupStaleLocks(t *testing.T) {
	fs := afero.NewMemMapFs()
	host, _ := os.Hostname()
	now := time.Now()

	writeLock(t, fs, "live.lock", "live", os.Getpid(), host, now)
	writeLock(t, fs, "dead.lock", "dead", -1, host, now)

	cleaned, err := CleanupStaleLocks(fs, "/state")
	if err != nil {
		t.Fatalf("CleanupStaleLocks() error = %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "dead" {
		t.Errorf("cleaned = %v, want [dead]", cleaned)
	}
	if ok, _ := afero.Exists(fs, "/state/locks/dead.lock"); ok {
		t.Error("stale lock still present")
	}
	if ok, _ := afero.Exists(fs, "/state/locks/live.lock"); !ok {
		t.Error("live lock removed")
	}
}
