//go:build linux || darwin || freebsd || netbsd || openbsd

package secexec

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the command in its own process group so cancellation
// kills any children it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
