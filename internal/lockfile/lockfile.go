// Package lockfile guards the state directory against concurrent evoflow
// instances. Two processes sharing one state directory would each run their
// own debounce buffers and double-answer every customer.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the lock file created inside the state directory.
const LockFileName = "evoflow.lock"

// Lock is a held exclusive lock on a state directory. The underlying flock is
// released by the kernel if the process dies, so a crash never leaves the
// directory permanently locked.
type Lock struct {
	file *os.File
	path string
	held bool
}

// ErrLocked reports a lock held by another process, with whatever the lock
// file reveals about it.
type ErrLocked struct {
	Path  string
	Owner string
	Cause error
}

func (e *ErrLocked) Error() string {
	msg := fmt.Sprintf("state directory is locked by another evoflow instance (lock file: %s)", e.Path)
	if e.Owner != "" {
		msg += fmt.Sprintf(", held by %s", e.Owner)
	}
	return msg
}

func (e *ErrLocked) Unwrap() error { return e.Cause }

// Acquire takes an exclusive non-blocking flock on the state directory's lock
// file and records the owning PID in it.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// No O_TRUNC here: a losing contender must not wipe the holder's PID
	// before reading it for the error message.
	path := filepath.Join(stateDir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := describeOwner(path)
		slog.Error("Lockfile acquisition failed", "lock_path", path, "owner", owner, "error", err)
		return nil, &ErrLocked{Path: path, Owner: owner, Cause: err}
	}

	if err := file.Truncate(0); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to truncate lock file %s: %w", path, err)
	}
	if _, err := fmt.Fprintf(file, "pid=%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	file.Sync()

	slog.Info("Lockfile acquired", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path, held: true}, nil
}

// Release drops the flock and removes the lock file. Safe to call twice.
func (l *Lock) Release() error {
	if !l.held || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lockfile flock release failed", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lockfile close failed", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil {
		slog.Warn("Lockfile removal failed", "lock_path", l.path, "error", err)
	}
	l.held = false
	l.file = nil
	slog.Info("Lockfile released", "lock_path", l.path)
	return nil
}

// describeOwner reads the competing lock file and reports its PID and whether
// that process is still alive.
func describeOwner(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processAlive(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running, stale lock)", pid)
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(line, "pid="); ok {
			if pid, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return pid
			}
		}
	}
	return 0
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
