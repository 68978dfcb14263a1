//go:build windows

package agent

import (
	"os"
	"os/exec"
)

// setProcAttr is a no-op on Windows.
// Windows uses job objects instead of POSIX process groups; termination
// falls back to killing the direct child process.
func setProcAttr(cmd *exec.Cmd) {}

// terminateProcessGroup stops the agent on Windows. There is no SIGTERM
// equivalent, so graceful termination degrades to a hard kill of the
// direct child; grandchildren are not tracked.
func terminateProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// killProcessGroup is the same hard kill as terminateProcessGroup,
// kept so the cancellation path reads the same on both platforms.
func killProcessGroup(pid int) error {
	return terminateProcessGroup(pid)
}
