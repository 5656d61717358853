//go:build windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// On Windows, we use CREATE_NEW_PROCESS_GROUP flag.
func setProcGroup(cmd *exec.Cmd, _ bool) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateProcessGroup asks the process tree to close. Without /F, taskkill
// sends WM_CLOSE, the closest Windows equivalent of SIGTERM.
func terminateProcessGroup(p *os.Process) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run()
}

// killProcessGroup force-kills the process tree.
func killProcessGroup(p *os.Process) error {
	if err := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run(); err != nil {
		return p.Kill()
	}
	return nil
}

func signalName(*os.ProcessState) (string, bool) {
	return "", false
}

// Environment keys are case-insensitive on Windows.
func envKey(k string) string { return strings.ToUpper(k) }
