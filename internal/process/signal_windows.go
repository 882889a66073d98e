//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// terminate asks the process tree to close. Windows has no SIGTERM; taskkill
// without /F posts WM_CLOSE to the tree, which console runtimes honor.
func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	// #nosec G204
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// kill force-terminates the process tree, falling back to TerminateProcess
// on the leader when taskkill is unavailable.
func kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	// #nosec G204
	if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run(); err == nil {
		return nil
	}
	ret, _, _ := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(pid))
	if ret == 0 {
		// process is already gone
		return nil
	}
	handle := syscall.Handle(ret)
	defer func() { _, _, _ = procCloseHandle.Call(uintptr(handle)) }()
	if r, _, err := procTerminateProcess.Call(uintptr(handle), 1); r == 0 {
		return err
	}
	return nil
}

func signalName(_ *exec.ExitError) string { return "" }
