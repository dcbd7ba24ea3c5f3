//go:build windows

package session

import "os"

// probePID reports whether the process with the given pid exists. Windows has
// no signal 0; FindProcess opening the handle is the existence check.
func probePID(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
