//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package secexec

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
