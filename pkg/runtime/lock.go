package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Lock prevents two processes from installing netfilter rules concurrently
type Lock interface {
	// Acquire tries to take the lock. Returns false if another live process holds it.
	Acquire() (bool, error)
	// Release releases the lock. Fails if the calling process is not the owner.
	Release() error
	// Owner returns the pid of the process holding the lock or -1 if it is free.
	Owner() int
}

type filelock struct {
	path string
}

// DefaultLock returns a file lock named after the running binary, placed in the
// user's runtime directory (or the temp dir if XDG_RUNTIME_DIR is not set)
func DefaultLock() Lock {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}

	return NewFileLock(filepath.Join(dir, filepath.Base(os.Args[0])+".lock"))
}

// NewFileLock returns a file lock for the given path
func NewFileLock(path string) Lock {
	return &filelock{path: path}
}

// Acquire links a pid file created for this process to the lock path. A stale lock
// whose owner is no longer running is taken over.
func (l *filelock) Acquire() (bool, error) {
	pid := os.Getpid()
	temp := fmt.Sprintf("%s.%d", l.path, pid)
	if err := os.WriteFile(temp, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return false, fmt.Errorf("creating pid file: %w", err)
	}
	defer func() {
		_ = os.Remove(temp)
	}()

	err := os.Link(temp, l.path)
	if errors.Is(err, os.ErrExist) {
		owner := readOwner(l.path)
		if owner == pid {
			return true, nil
		}

		if isAlive(owner) {
			return false, nil
		}

		if err = os.Remove(l.path); err != nil {
			return false, fmt.Errorf("removing stale lock: %w", err)
		}
		err = os.Link(temp, l.path)
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

func (l *filelock) Release() error {
	owner := readOwner(l.path)
	if owner != os.Getpid() {
		return fmt.Errorf("lock %q is owned by %d", l.path, owner)
	}

	return os.Remove(l.path)
}

func (l *filelock) Owner() int {
	owner := readOwner(l.path)
	if !isAlive(owner) {
		return -1
	}

	return owner
}

// readOwner returns -1 if the lock does not exist or its content is not a pid
func readOwner(path string) int {
	content, err := os.ReadFile(path)
	if err != nil {
		return -1
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return -1
	}

	return pid
}

func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	// FindProcess always succeeds on unix
	process, _ := os.FindProcess(pid)

	return process.Signal(syscall.Signal(0)) == nil
}
