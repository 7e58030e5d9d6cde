package session

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// LocksDir is the directory under the state directory holding workspace locks.
const LocksDir = "locks"

// Info summarizes a run found through its workspace lock.
type Info struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Root      string    `json:"root" yaml:"root"`
	PID       int       `json:"pid" yaml:"pid"`
	Hostname  string    `json:"hostname" yaml:"hostname"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	// Live is false when the holder is known to be gone.
	Live     bool   `json:"live" yaml:"live"`
	LockPath string `json:"lock_path" yaml:"lock_path"`
}

// ListSessions returns the runs holding a lock under stateDir, newest
// first. Lock files that cannot be read are skipped.
func ListSessions(fs afero.Fs, stateDir string) ([]*Info, error) {
	dir := filepath.Join(stateDir, LocksDir)
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []*Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		lock, err := ReadLock(fs, path)
		if err != nil {
			continue
		}
		sessions = append(sessions, &Info{
			SessionID: lock.SessionID,
			Root:      lock.Root,
			PID:       lock.PID,
			Hostname:  lock.Hostname,
			StartedAt: lock.StartedAt,
			Live:      lock.alive(),
			LockPath:  path,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// CleanupStaleLocks removes the locks of runs that are gone and returns
// their session ids. Removal errors skip that lock.
func CleanupStaleLocks(fs afero.Fs, stateDir string) ([]string, error) {
	sessions, err := ListSessions(fs, stateDir)
	if err != nil {
		return nil, err
	}
	var cleaned []string
	for _, s := range sessions {
		if s.Live {
			continue
		}
		if err := fs.Remove(s.LockPath); err != nil && !os.IsNotExist(err) {
			continue
		}
		cleaned = append(cleaned, s.SessionID)
	}
	return cleaned, nil
}
