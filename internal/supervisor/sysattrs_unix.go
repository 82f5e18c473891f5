//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the provider in its own process group so the
// whole group can be signaled on stop or kill.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// termGroup sends SIGTERM to the provider's process group.
func termGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup sends SIGKILL to the provider's process group.
func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
