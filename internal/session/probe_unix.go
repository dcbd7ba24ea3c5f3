//go:build unix

package session

import (
	"errors"
	"os"
	"syscall"
)

// probePID reports whether the process with the given pid exists. The probe
// sends signal 0, which performs the permission and existence checks without
// delivering anything. EPERM means the process exists but belongs to another
// user, so it counts as alive.
func probePID(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}
