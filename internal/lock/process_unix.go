//go:build linux || darwin || freebsd

package lock

import "golang.org/x/sys/unix"

// ProcessAlive reports whether pid names a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM: the process exists but belongs to someone else.
	return err == nil || err == unix.EPERM
}
