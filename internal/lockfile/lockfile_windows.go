//go:build windows

package lockfile

import (
	"os"
	"syscall"
)

// Owner returns the PID in the lock file and whether that process is alive.
func (l *Lock) Owner() (int, bool) {
	pid, err := l.Read()
	if err != nil || pid <= 0 {
		return pid, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, proc.Signal(syscall.Signal(0)) == nil
}
