// Package lockfile guards against two server processes sharing one data
// directory. The lock is a plain file holding the owner's pid.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is an acquired single-instance lock
type Lock struct {
	path   string
	logger *slog.Logger
}

// Acquire takes the lock at path, writing the current pid. When the file
// already exists the recorded pid is probed: a live process means another
// server owns the data directory and startup must abort, while a dead pid
// marks a stale lock from an unclean shutdown and is replaced.
func Acquire(path string, logger *slog.Logger) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				if werr != nil {
					return nil, fmt.Errorf("write lock file %s: %w", path, werr)
				}
				return nil, fmt.Errorf("write lock file %s: %w", path, cerr)
			}
			return &Lock{path: path, logger: logger}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}

		pid, rerr := readPID(path)
		if rerr == nil && processAlive(pid) {
			return nil, fmt.Errorf("data directory locked by running process %d (lock file %s)", pid, path)
		}

		// Unreadable or dead owner: the lock is stale, remove and retry once.
		logger.Warn("removing stale lock file", "path", path, "pid", pid)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("remove stale lock file %s: %w", path, rmErr)
		}
	}
	return nil, fmt.Errorf("lock file %s contested, giving up", path)
}

// Release removes the lock file. Safe to call once; later calls are no-ops.
func (l *Lock) Release() {
	if l == nil || l.path == "" {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to remove lock file", "path", l.path, "error", err)
	}
	l.path = ""
}

// Path returns the lock file location
func (l *Lock) Path() string {
	return l.path
}

func readPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("lock file %s holds no pid", path)
	}
	return pid, nil
}

// processAlive reports whether pid refers to a running process. Signal 0
// performs the permission and existence checks without delivering anything.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
