//go:build !windows

package lockfile

import "syscall"

// Owner returns the PID in the lock file and whether that process is alive.
func (l *Lock) Owner() (int, bool) {
	pid, err := l.Read()
	if err != nil || pid <= 0 {
		return pid, false
	}
	// Signal 0 probes for existence without delivering anything.
	err = syscall.Kill(pid, 0)
	return pid, err == nil || err == syscall.EPERM
}
