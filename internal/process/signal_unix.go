//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// terminate sends SIGTERM to the whole process group.
func terminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

// kill sends SIGKILL to the whole process group.
func kill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; fall back to the leader in case setpgid failed
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}

func signalName(xe *exec.ExitError) string {
	if ws, ok := xe.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
