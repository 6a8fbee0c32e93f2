// Package lockfile guards a SQLite state directory against a second writer process.
//
// The lock is an flock on a file in the state directory, released by the kernel when the
// process exits. Deployments on Postgres do not take it.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "rochaturbo.lock"

// Owner describes the process holding a lock.
type Owner struct {
	PID       int
	Role      string
	StartedAt time.Time
}

func (o Owner) String() string {
	var parts []string
	if o.PID > 0 {
		state := "not running, stale lock"
		if isProcessRunning(o.PID) {
			state = "running"
		}
		parts = append(parts, fmt.Sprintf("PID %d (%s)", o.PID, state))
	}
	if o.Role != "" {
		parts = append(parts, "role "+o.Role)
	}
	if !o.StartedAt.IsZero() {
		parts = append(parts, "since "+o.StartedAt.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock of stateDir for a process running role (serve,
// worker, all). It fails with *LockError when another process holds it.
func AcquireLock(stateDir, role string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Not truncated before the flock so that a conflicting owner stays readable.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		slog.Error("Lockfile open failed", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, _ := ReadOwner(lockPath)
		slog.Error("Lockfile held by another RochaTurbo process", "error", err, "lock_path", lockPath, "owner", owner.String())
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	info := fmt.Sprintf("pid=%d\nrole=%s\nstarted_at=%s\n", os.Getpid(), role, time.Now().UTC().Format(time.RFC3339))
	if err := writeOwner(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lockfile acquired", "lock_path", lockPath, "pid", os.Getpid(), "role", role)
	return &Lock{file: file, path: lockPath}, nil
}

func writeOwner(file *os.File, info string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile sync failed", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the flock so a new owner never loses its file.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Error("Lockfile remove failed", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lockfile unlock failed", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lockfile released", "lock_path", l.path)
	return err
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another RochaTurbo process is using this state directory (lock file %s)", e.LockPath)
	if owner := e.Owner.String(); owner != "" {
		msg += ": " + owner
	}
	return msg + fmt.Sprintf("; if no such process exists remove the stale lock with: rm %s", e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// ReadOwner parses the owner written to a lock file.
func ReadOwner(lockPath string) (Owner, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()

	var o Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "role":
			o.Role = value
		case "started_at":
			o.StartedAt, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o, sc.Err()
}

// isProcessRunning sends signal 0, which checks for the process without signalling it.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
