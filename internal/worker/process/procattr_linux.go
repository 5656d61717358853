//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// Attached children also get Pdeathsig so they die with us even if Stop is
// never reached (SIGKILL, crash).
func setProcGroup(cmd *exec.Cmd, detached bool) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if !detached {
		attr.Pdeathsig = syscall.SIGTERM
	}
	cmd.SysProcAttr = attr
}
