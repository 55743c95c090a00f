//go:build linux || darwin

package synclock

import "syscall"

// processAlive reports whether pid still refers to a live process, using
// the classic kill(pid, 0) liveness probe (no signal is actually
// delivered).
func processAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := syscall.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
