//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// setProcAttr sets process attributes for Unix systems.
// Enables process group creation so child processes can be killed together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup asks the entire process group to exit.
// On Unix, the process group ID equals the PID of the group leader.
func terminateProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup forcefully kills the entire process group.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
