// Package pidfile manages the daemon's lock file: written atomically on
// startup, checked for a stale/dead pid before a new instance refuses to
// start, and removed on clean shutdown. The atomic temp-file-plus-rename
// write pattern mirrors the agent's state persistence in the example
// pack's connection manager.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrStale indicates a pidfile exists but names a pid that is no longer
// running; callers may safely remove it and proceed.
type ErrStale struct {
	Path string
	PID  int
}

func (e *ErrStale) Error() string {
	return fmt.Sprintf("pidfile %s names stale pid %d", e.Path, e.PID)
}

// ErrLocked indicates a pidfile exists and its pid is alive.
type ErrLocked struct {
	Path string
	PID  int
}

func (e *ErrLocked) Error() string {
	return fmt.Sprintf("pidfile %s is held by running pid %d", e.Path, e.PID)
}

// Check inspects path without modifying anything. It returns nil if no
// pidfile exists, *ErrStale if it names a pid that is no longer running,
// *ErrLocked if another live daemon holds it, and a generic error for
// unreadable files.
func Check(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pidfile: read %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("pidfile: %s contains garbage: %w", path, err)
	}

	if processAlive(pid) {
		return &ErrLocked{Path: path, PID: pid}
	}
	return &ErrStale{Path: path, PID: pid}
}

// Write atomically creates path containing the current process's pid. The
// caller should have already called Check and handled any *ErrStale by
// removing the old file.
func Write(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pidfile-*")
	if err != nil {
		return fmt.Errorf("pidfile: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pidfile: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pidfile: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pidfile: rename into place: %w", err)
	}
	return nil
}

// Remove deletes the pidfile, ignoring a not-exist error since shutdown
// should be idempotent.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: remove %s: %w", path, err)
	}
	return nil
}

// Read returns the pid recorded in path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pidfile: read %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: %s contains garbage: %w", path, err)
	}
	return pid, nil
}

// processAlive sends signal 0, which performs permission/existence checks
// without actually signaling the process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
