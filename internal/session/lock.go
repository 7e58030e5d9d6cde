package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/logging"
)

// ErrWorkspaceLocked is returned when another live run holds the
// workspace root.
var ErrWorkspaceLocked = errors.New("workspace root is in use by another run")

// Lock marks a workspace root as in use by one branchnexus process, so two
// runs never provision or reset the same root at once.
type Lock struct {
	SessionID string    `json:"session_id"`
	Root      string    `json:"root"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	fs       afero.Fs
	lockFile string
	logger   *logging.Logger
}

// LockPath returns the lock file for root as seen through runtimeName,
// under stateDir/locks.
func LockPath(stateDir, runtimeName, root string) string {
	sum := sha256.Sum256([]byte(runtimeName + "\x00" + root))
	return filepath.Join(stateDir, LocksDir, hex.EncodeToString(sum[:8])+".lock")
}

// AcquireLock takes the lock at lockPath. A lock left behind by a dead
// process on this host is replaced; a live one fails with a
// ConfigurationError wrapping ErrWorkspaceLocked.
func AcquireLock(fs afero.Fs, lockPath, root, sessionID string, logger *logging.Logger) (*Lock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	if existing, err := ReadLock(fs, lockPath); err == nil {
		if existing.alive() {
			return nil, lockedError(existing, lockPath)
		}
		if err := fs.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		logger.Warn("stale workspace lock cleaned", "root", root, "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		SessionID: sessionID,
		Root:      root,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		fs:        fs,
		lockFile:  lockPath,
		logger:    logger,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	// O_EXCL loses the race cleanly against a concurrent acquirer.
	f, err := fs.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadLock(fs, lockPath); readErr == nil {
				return nil, lockedError(existing, lockPath)
			}
			return nil, ErrWorkspaceLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = fs.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	logger.Debug("workspace lock acquired", "root", root, "pid", lock.PID)
	return lock, nil
}

func lockedError(l *Lock, lockPath string) error {
	return errors.NewConfigurationError(fmt.Sprintf("workspace %s is in use by PID %d on %s", l.Root, l.PID, l.Hostname)).
		WithCause(ErrWorkspaceLocked).
		WithHint("wait for that run to finish, or delete " + lockPath + " if it is gone")
}

// Release removes the lock if this process still owns it. Safe to call
// more than once and on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}
	existing, err := ReadLock(l.fs, l.lockFile)
	if err != nil || existing.PID != l.PID || existing.SessionID != l.SessionID {
		return nil
	}
	if err := l.fs.Remove(l.lockFile); err != nil {
		return err
	}
	l.logger.Debug("workspace lock released", "root", l.Root)
	return nil
}

// ReadLock reads a lock file.
func ReadLock(fs afero.Fs, lockPath string) (*Lock, error) {
	data, err := afero.ReadFile(fs, lockPath)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.fs = fs
	lock.lockFile = lockPath
	return &lock, nil
}

// alive reports whether the lock holder may still be running. Locks from
// other hosts are assumed live.
func (l *Lock) alive() bool {
	if host, err := os.Hostname(); err == nil && host != l.Hostname {
		return true
	}
	return isProcessAlive(l.PID)
}

// isProcessAlive sends signal 0 to pid.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
