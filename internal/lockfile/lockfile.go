// Package lockfile guards a state directory against two concurrent batches.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrHeld means a live process already holds the lock.
var ErrHeld = errors.New("lock held by another process")

// Lock is a PID file that marks a batch as running.
type Lock struct {
	Path string
}

// New returns a lock at path. Nothing is written until Acquire.
func New(path string) *Lock {
	return &Lock{Path: path}
}

// Acquire writes the current PID. A file left behind by a dead process is
// taken over; one owned by a live process yields ErrHeld.
func (l *Lock) Acquire() error {
	return l.acquire(os.Getpid())
}

func (l *Lock) acquire(pid int) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid) + "\n")
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("write lock file: %w", werr)
			}
			return cerr
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}
		owner, alive := l.Owner()
		if alive {
			return fmt.Errorf("%s (pid %d): %w", l.Path, owner, ErrHeld)
		}
		if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale lock file: %w", err)
		}
	}
	return fmt.Errorf("%s: %w", l.Path, ErrHeld)
}

// Read returns the PID stored in the lock file.
func (l *Lock) Read() (int, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid lock file content: %w", err)
	}
	return pid, nil
}

// Release removes the lock file if this process owns it.
func (l *Lock) Release() error {
	pid, err := l.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return fmt.Errorf("lock owned by pid %d", pid)
	}
	return os.Remove(l.Path)
}
